package preview1

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"github.com/wippyai/wasi-bridge/fsys"
)

// Errno is a WASI preview1 error number.
type Errno uint32

const (
	ErrnoSuccess     Errno = 0
	Errno2big        Errno = 1
	ErrnoAcces       Errno = 2
	ErrnoBadf        Errno = 8
	ErrnoExist       Errno = 20
	ErrnoFault       Errno = 21
	ErrnoInval       Errno = 28
	ErrnoIo          Errno = 29
	ErrnoIsdir       Errno = 31
	ErrnoLoop        Errno = 32
	ErrnoNametoolong Errno = 37
	ErrnoNoent       Errno = 44
	ErrnoNosys       Errno = 52
	ErrnoNotdir      Errno = 54
	ErrnoNotempty    Errno = 55
	ErrnoNotsup      Errno = 58
	ErrnoPerm        Errno = 63
	ErrnoRofs        Errno = 69
	ErrnoSpipe       Errno = 70
	ErrnoNotcapable  Errno = 76
)

// errnoSuspended marks a call that unwound instead of returning. It is
// never written to guest memory.
const errnoSuspended Errno = 1 << 16

var errnoNames = map[Errno]string{
	ErrnoSuccess:     "ESUCCESS",
	Errno2big:        "E2BIG",
	ErrnoAcces:       "EACCES",
	ErrnoBadf:        "EBADF",
	ErrnoExist:       "EEXIST",
	ErrnoFault:       "EFAULT",
	ErrnoInval:       "EINVAL",
	ErrnoIo:          "EIO",
	ErrnoIsdir:       "EISDIR",
	ErrnoLoop:        "ELOOP",
	ErrnoNametoolong: "ENAMETOOLONG",
	ErrnoNoent:       "ENOENT",
	ErrnoNosys:       "ENOSYS",
	ErrnoNotdir:      "ENOTDIR",
	ErrnoNotempty:    "ENOTEMPTY",
	ErrnoNotsup:      "ENOTSUP",
	ErrnoPerm:        "EPERM",
	ErrnoRofs:        "EROFS",
	ErrnoSpipe:       "ESPIPE",
	ErrnoNotcapable:  "ENOTCAPABLE",
}

func (e Errno) String() string {
	if e == errnoSuspended {
		return "suspended"
	}
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return fmt.Sprintf("errno(%d)", uint32(e))
}

// ErrnoOf maps a host error to the errno the guest sees.
func ErrnoOf(err error) Errno {
	var errno syscall.Errno
	switch {
	case err == nil:
		return ErrnoSuccess
	case errors.Is(err, fs.ErrNotExist):
		return ErrnoNoent
	case errors.Is(err, fs.ErrPermission):
		return ErrnoAcces
	case errors.Is(err, fs.ErrExist):
		return ErrnoExist
	case errors.Is(err, fsys.ErrNotDir):
		return ErrnoNotdir
	case errors.Is(err, fsys.ErrIsDir):
		return ErrnoIsdir
	case errors.Is(err, fs.ErrInvalid):
		return ErrnoInval
	case errors.As(err, &errno):
		switch errno {
		case syscall.ENOTDIR:
			return ErrnoNotdir
		case syscall.EISDIR:
			return ErrnoIsdir
		case syscall.ELOOP:
			return ErrnoLoop
		case syscall.ENAMETOOLONG:
			return ErrnoNametoolong
		case syscall.EINVAL:
			return ErrnoInval
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrnoIo
	}
	return ErrnoIo
}

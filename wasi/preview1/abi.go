package preview1

// ModuleName is the import module of WASI preview1 host functions.
const ModuleName = "wasi_snapshot_preview1"

// Filetype values.
const (
	filetypeUnknown         uint8 = 0
	filetypeCharacterDevice uint8 = 2
	filetypeDirectory       uint8 = 3
	filetypeRegularFile     uint8 = 4
)

// Dirent is d_next u64, d_ino u64, d_namlen u32, d_type u8 and 3 bytes of
// padding, followed by the name.
const direntSize = 24

// Filestat is dev, ino, filetype (padded to 8), nlink, size, atim, mtim, ctim.
const filestatSize = 64

const fdstatSize = 24

// Whence values for fd_seek.
const (
	whenceSet uint32 = 0
	whenceCur uint32 = 1
	whenceEnd uint32 = 2
)

// Open flags.
const (
	oflagCreat     uint32 = 1 << 0
	oflagDirectory uint32 = 1 << 1
	oflagExcl      uint32 = 1 << 2
	oflagTrunc     uint32 = 1 << 3
)

// Fd flags that need a writable file.
const (
	fdflagAppend uint32 = 1 << 0
)

// Clock ids.
const (
	clockRealtime         uint32 = 0
	clockMonotonic        uint32 = 1
	clockProcessCputimeID uint32 = 2
	clockThreadCputimeID  uint32 = 3
)

// Rights.
const (
	rightFdDatasync uint64 = 1 << iota
	rightFdRead
	rightFdSeek
	rightFdFdstatSetFlags
	rightFdSync
	rightFdTell
	rightFdWrite
	rightFdAdvise
	rightFdAllocate
	rightPathCreateDirectory
	rightPathCreateFile
	rightPathLinkSource
	rightPathLinkTarget
	rightPathOpen
	rightFdReaddir
	rightPathReadlink
	rightPathRenameSource
	rightPathRenameTarget
	rightPathFilestatGet
	rightPathFilestatSetSize
	rightPathFilestatSetTimes
	rightFdFilestatGet
	rightFdFilestatSetSize
	rightFdFilestatSetTimes
	rightPathSymlink
	rightPathRemoveDirectory
	rightPathUnlinkFile
	rightPollFdReadwrite
)

const (
	rightsFile = rightFdRead | rightFdSeek | rightFdTell | rightFdAdvise |
		rightFdFdstatSetFlags | rightFdFilestatGet | rightPollFdReadwrite
	rightsDir = rightPathOpen | rightFdReaddir | rightPathFilestatGet |
		rightFdFilestatGet | rightPathReadlink | rightFdFdstatSetFlags
	rightsStdin  = rightFdRead | rightPollFdReadwrite
	rightsStdout = rightFdWrite | rightPollFdReadwrite
)

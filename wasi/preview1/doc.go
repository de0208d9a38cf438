// Package preview1 implements the wasi_snapshot_preview1 host module for
// asyncified guests.
//
// Per-instance state lives in a System, configured with builder methods and
// attached to the call context with WithSystem:
//
//	sys := preview1.NewSystem().
//		WithArgs("prog", "-v").
//		WithPreopen("/", fsys.NewAsync(fsys.FromFS(os.DirFS("."))))
//	ctx = preview1.WithSystem(ctx, sys)
//
// Calls that need host I/O (path_open, path_filestat_get, fd_filestat_get,
// fd_read, fd_pread, fd_readdir and fd_seek from the end) go through the
// coordinator attached to the context. A cache hit completes inline; a miss
// unwinds the guest and the operation runs on the host. The guest sees an
// ordinary synchronous call either way.
//
// The filesystem is read-only. Calls that would modify it return EROFS;
// sockets, poll_oneoff and proc_raise return ENOSYS.
package preview1

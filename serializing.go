package overlayfs

import (
	"context"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/afero"
)

// SerializingWrapper wraps an *Engine and serializes every asynchronous
// operation through a Mutex, so that a multi-step operation like Rename's
// subtree copy is never observed half-finished by a concurrent caller. Its
// synchronous methods delegate directly to the wrapped Engine but fail fast
// with ErrInvalidSyncCall while an asynchronous operation holds the mutex,
// rather than silently reading inconsistent state mid-rename.
//
// Every *Async method accepts a context.Context purely to control delivery
// of the result to cb: once the mutex has granted the operation, the
// wrapped Engine call always runs to completion against the backing
// layers. A canceled context only suppresses the callback.
type SerializingWrapper struct {
	inner *Engine
	mu    Mutex
}

// Serialize wraps inner in a SerializingWrapper.
func Serialize(inner *Engine) *SerializingWrapper {
	return &SerializingWrapper{inner: inner}
}

// Engine returns the wrapped Engine, e.g. for Initialize or Layers, which
// are not subject to the same-operation-in-flight race the other methods
// guard against.
func (w *SerializingWrapper) Engine() *Engine { return w.inner }

// IsLocked reports whether an asynchronous operation currently holds the
// mutex.
func (w *SerializingWrapper) IsLocked() bool { return w.mu.IsLocked() }

func asyncCall[T any](w *SerializingWrapper, ctx context.Context, fn func() (T, error), cb func(T, error)) {
	w.mu.Lock(func() {
		v, err := fn()
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		cb(v, err)
	})
}

func asyncVoid(w *SerializingWrapper, ctx context.Context, fn func() error, cb func(error)) {
	w.mu.Lock(func() {
		err := fn()
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		cb(err)
	})
}

func (w *SerializingWrapper) syncGuard() error {
	if w.mu.IsLocked() {
		return ErrInvalidSyncCall
	}
	return nil
}

// StatAsync resolves name through the union, asynchronously.
func (w *SerializingWrapper) StatAsync(ctx context.Context, name string, cb func(os.FileInfo, error)) {
	asyncCall(w, ctx, func() (os.FileInfo, error) { return w.inner.Stat(name) }, cb)
}

// Stat resolves name through the union. Fails with ErrInvalidSyncCall if an
// asynchronous operation is in flight.
func (w *SerializingWrapper) Stat(name string) (os.FileInfo, error) {
	if err := w.syncGuard(); err != nil {
		return nil, err
	}
	return w.inner.Stat(name)
}

// OpenFileAsync opens name with flag/perm, asynchronously.
func (w *SerializingWrapper) OpenFileAsync(ctx context.Context, name string, flag int, perm os.FileMode, cb func(afero.File, error)) {
	asyncCall(w, ctx, func() (afero.File, error) { return w.inner.OpenFile(name, flag, perm) }, cb)
}

// OpenFile opens name with flag/perm. Fails with ErrInvalidSyncCall if an
// asynchronous operation is in flight.
func (w *SerializingWrapper) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if err := w.syncGuard(); err != nil {
		return nil, err
	}
	return w.inner.OpenFile(name, flag, perm)
}

// ReadDirAsync lists name's union view, asynchronously.
func (w *SerializingWrapper) ReadDirAsync(ctx context.Context, name string, cb func([]fs.DirEntry, error)) {
	asyncCall(w, ctx, func() ([]fs.DirEntry, error) { return w.inner.ReadDir(name) }, cb)
}

// ReadDir lists name's union view. Fails with ErrInvalidSyncCall if an
// asynchronous operation is in flight.
func (w *SerializingWrapper) ReadDir(name string) ([]fs.DirEntry, error) {
	if err := w.syncGuard(); err != nil {
		return nil, err
	}
	return w.inner.ReadDir(name)
}

// UnlinkAsync removes a file, recording a whiteout if needed, asynchronously.
func (w *SerializingWrapper) UnlinkAsync(ctx context.Context, name string, cb func(error)) {
	asyncVoid(w, ctx, func() error { return w.inner.Unlink(name) }, cb)
}

// Unlink removes a file, recording a whiteout if needed. Fails with
// ErrInvalidSyncCall if an asynchronous operation is in flight.
func (w *SerializingWrapper) Unlink(name string) error {
	if err := w.syncGuard(); err != nil {
		return err
	}
	return w.inner.Unlink(name)
}

// RmdirAsync removes an empty directory, asynchronously.
func (w *SerializingWrapper) RmdirAsync(ctx context.Context, name string, cb func(error)) {
	asyncVoid(w, ctx, func() error { return w.inner.Rmdir(name) }, cb)
}

// Rmdir removes an empty directory. Fails with ErrInvalidSyncCall if an
// asynchronous operation is in flight.
func (w *SerializingWrapper) Rmdir(name string) error {
	if err := w.syncGuard(); err != nil {
		return err
	}
	return w.inner.Rmdir(name)
}

// MkdirAsync creates a directory, asynchronously.
func (w *SerializingWrapper) MkdirAsync(ctx context.Context, name string, perm os.FileMode, cb func(error)) {
	asyncVoid(w, ctx, func() error { return w.inner.Mkdir(name, perm) }, cb)
}

// Mkdir creates a directory. Fails with ErrInvalidSyncCall if an
// asynchronous operation is in flight.
func (w *SerializingWrapper) Mkdir(name string, perm os.FileMode) error {
	if err := w.syncGuard(); err != nil {
		return err
	}
	return w.inner.Mkdir(name, perm)
}

// RenameAsync renames oldname to newname, asynchronously. This is the
// operation the SerializingWrapper's atomicity guarantee exists for: its
// multi-step subtree copy (see rename.go) must not be observed half-done.
func (w *SerializingWrapper) RenameAsync(ctx context.Context, oldname, newname string, cb func(error)) {
	asyncVoid(w, ctx, func() error { return w.inner.Rename(oldname, newname) }, cb)
}

// Rename renames oldname to newname. Fails with ErrInvalidSyncCall if an
// asynchronous operation is in flight.
func (w *SerializingWrapper) Rename(oldname, newname string) error {
	if err := w.syncGuard(); err != nil {
		return err
	}
	return w.inner.Rename(oldname, newname)
}

// ChmodAsync changes name's mode, copying up first if needed, asynchronously.
func (w *SerializingWrapper) ChmodAsync(ctx context.Context, name string, mode os.FileMode, cb func(error)) {
	asyncVoid(w, ctx, func() error { return w.inner.Chmod(name, mode) }, cb)
}

// Chmod changes name's mode, copying up first if needed. Fails with
// ErrInvalidSyncCall if an asynchronous operation is in flight.
func (w *SerializingWrapper) Chmod(name string, mode os.FileMode) error {
	if err := w.syncGuard(); err != nil {
		return err
	}
	return w.inner.Chmod(name, mode)
}

// ChownAsync changes name's ownership, copying up first if needed, asynchronously.
func (w *SerializingWrapper) ChownAsync(ctx context.Context, name string, uid, gid int, cb func(error)) {
	asyncVoid(w, ctx, func() error { return w.inner.Chown(name, uid, gid) }, cb)
}

// Chown changes name's ownership, copying up first if needed. Fails with
// ErrInvalidSyncCall if an asynchronous operation is in flight.
func (w *SerializingWrapper) Chown(name string, uid, gid int) error {
	if err := w.syncGuard(); err != nil {
		return err
	}
	return w.inner.Chown(name, uid, gid)
}

// ChtimesAsync changes name's access/modification times, copying up first
// if needed, asynchronously.
func (w *SerializingWrapper) ChtimesAsync(ctx context.Context, name string, atime, mtime time.Time, cb func(error)) {
	asyncVoid(w, ctx, func() error { return w.inner.Chtimes(name, atime, mtime) }, cb)
}

// Chtimes changes name's access/modification times, copying up first if
// needed. Fails with ErrInvalidSyncCall if an asynchronous operation is in
// flight.
func (w *SerializingWrapper) Chtimes(name string, atime, mtime time.Time) error {
	if err := w.syncGuard(); err != nil {
		return err
	}
	return w.inner.Chtimes(name, atime, mtime)
}

// ExistsAsync reports whether name is visible through the union, asynchronously.
func (w *SerializingWrapper) ExistsAsync(ctx context.Context, name string, cb func(bool, error)) {
	asyncCall(w, ctx, func() (bool, error) { return w.inner.Exists(name), nil }, cb)
}

// Exists reports whether name is visible through the union. Fails with
// ErrInvalidSyncCall if an asynchronous operation is in flight.
func (w *SerializingWrapper) Exists(name string) (bool, error) {
	if err := w.syncGuard(); err != nil {
		return false, err
	}
	return w.inner.Exists(name), nil
}

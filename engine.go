package overlayfs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Engine is the core copy-on-write union filesystem: it composes a
// writable upper layer and a readable lower layer into one logical
// namespace, consulting a WhiteoutLog for deletions of readable-only
// paths. It is the "inner filesystem" a SerializingWrapper serializes
// top-level calls through (see serializing.go).
type Engine struct {
	writable     afero.Fs
	readable     afero.Fs
	writableCaps Capabilities
	readableCaps Capabilities

	logger         *logrus.Logger
	copyBufferSize int
	clock          func() time.Time

	initMu      sync.RWMutex
	initialized bool
	initGroup   singleflight.Group

	whiteout *WhiteoutLog
}

// Initialize recovers the whiteout log and makes the Engine usable. It is
// single-shot: concurrent Initialize calls share the result of whichever
// call is already in flight (via singleflight), and re-entry after success
// returns immediately. A failed Initialize leaves the Engine uninitialized
// and safe to retry.
func (eng *Engine) Initialize(ctx context.Context) error {
	eng.initMu.RLock()
	already := eng.initialized
	eng.initMu.RUnlock()
	if already {
		return nil
	}

	_, err, _ := eng.initGroup.Do("initialize", func() (interface{}, error) {
		wl, err := LoadWhiteoutLog(eng.writable, eng.logger)
		if err != nil {
			return nil, err
		}
		eng.initMu.Lock()
		eng.whiteout = wl
		eng.initialized = true
		eng.initMu.Unlock()
		return nil, nil
	})
	return err
}

// Layers returns the engine's writable and readable layer references.
func (eng *Engine) Layers() (writable, readable afero.Fs) {
	return eng.writable, eng.readable
}

func (eng *Engine) requireInitialized() error {
	eng.initMu.RLock()
	defer eng.initMu.RUnlock()
	if !eng.initialized {
		return ErrNotInitialized
	}
	return nil
}

// cleanPath normalizes a union path to an absolute, cleaned, forward-slash
// path before every layer call.
func cleanPath(p string) string {
	cleaned := path.Clean(p)
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

// widenedFileInfo forces Mode() to include user/group/other write
// permission while leaving every other FileInfo method (and the
// file-type high bits already present in Mode()) untouched.
type widenedFileInfo struct {
	os.FileInfo
	mode os.FileMode
}

func (w *widenedFileInfo) Mode() os.FileMode { return w.mode }

func widenMode(info os.FileInfo) os.FileInfo {
	return &widenedFileInfo{FileInfo: info, mode: info.Mode() | 0o222}
}

// lookup resolves p through the union: writable first, then the whiteout
// log, then readable with mode-widening. The returned bool is true iff p
// was found on the writable layer.
func (eng *Engine) lookup(p string) (os.FileInfo, bool, error) {
	info, err := eng.writable.Stat(p)
	if err == nil {
		return info, true, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, wrapLayerErr("stat", p, err)
	}

	if eng.whiteout.IsWhiteout(p) {
		return nil, false, newError("stat", p, KindNotFound, os.ErrNotExist)
	}

	rinfo, rerr := eng.readable.Stat(p)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return nil, false, newError("stat", p, KindNotFound, os.ErrNotExist)
		}
		return nil, false, wrapLayerErr("stat", p, rerr)
	}
	return widenMode(rinfo), false, nil
}

// Stat resolves name through the union.
func (eng *Engine) Stat(name string) (os.FileInfo, error) {
	if err := eng.requireInitialized(); err != nil {
		return nil, err
	}
	info, _, err := eng.lookup(cleanPath(name))
	return info, err
}

// Exists reports whether name is visible through the union.
func (eng *Engine) Exists(name string) bool {
	if eng.requireInitialized() != nil {
		return false
	}
	_, _, err := eng.lookup(cleanPath(name))
	return err == nil
}

// ReadDir lists name's union view: writable entries and readable entries,
// writable winning name collisions, whited-out children dropped. The two
// listings are independent suspension points with no ordering dependency
// between them, so they are fetched concurrently.
func (eng *Engine) ReadDir(name string) ([]fs.DirEntry, error) {
	if err := eng.requireInitialized(); err != nil {
		return nil, err
	}
	name = cleanPath(name)

	info, _, err := eng.lookup(name)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, newError("readdir", name, KindNotADirectory, nil)
	}

	var writableEntries, readableEntries []os.FileInfo
	g := new(errgroup.Group)
	g.Go(func() error {
		entries, lerr := afero.ReadDir(eng.writable, name)
		if lerr != nil {
			if os.IsNotExist(lerr) {
				return nil
			}
			return wrapLayerErr("readdir", name, lerr)
		}
		writableEntries = entries
		return nil
	})
	g.Go(func() error {
		entries, lerr := afero.ReadDir(eng.readable, name)
		if lerr != nil {
			if os.IsNotExist(lerr) {
				return nil
			}
			return wrapLayerErr("readdir", name, lerr)
		}
		readableEntries = entries
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(writableEntries)+len(readableEntries))
	out := make([]fs.DirEntry, 0, len(writableEntries)+len(readableEntries))

	for _, child := range writableEntries {
		if seen[child.Name()] {
			continue
		}
		seen[child.Name()] = true
		out = append(out, fs.FileInfoToDirEntry(child))
	}
	for _, child := range readableEntries {
		if seen[child.Name()] {
			continue
		}
		if eng.whiteout.IsWhiteout(path.Join(name, child.Name())) {
			continue
		}
		seen[child.Name()] = true
		out = append(out, fs.FileInfoToDirEntry(child))
	}

	return out, nil
}

// Open opens name for reading, equivalent to OpenFile(name, os.O_RDONLY, 0).
func (eng *Engine) Open(name string) (afero.File, error) {
	return eng.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile opens name with the given flag/perm, resolving across layers:
// an existing path is served from whichever layer holds it (copying up
// first on O_TRUNC; any other open of a readable-only path gets an
// OverlayFile that defers the copy-up until a write is flushed), and a
// missing path is created on writable when O_CREATE is set.
func (eng *Engine) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if err := eng.requireInitialized(); err != nil {
		return nil, err
	}
	name = cleanPath(name)

	info, onWritable, lerr := eng.lookup(name)
	visible := lerr == nil

	if visible {
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, newError("open", name, KindAlreadyExists, os.ErrExist)
		}

		if flag&os.O_TRUNC != 0 {
			if !onWritable {
				if err := eng.copyUp(name, info); err != nil {
					return nil, err
				}
			}
			f, err := eng.writable.OpenFile(name, flag, perm)
			if err != nil {
				return nil, wrapLayerErr("open", name, err)
			}
			eng.whiteout.Forget(name)
			return f, nil
		}

		if onWritable {
			f, err := eng.writable.OpenFile(name, flag, perm)
			return f, wrapLayerErr("open", name, err)
		}

		return newOverlayFile(eng, name, flag, perm, info)
	}

	var e *Error
	if errors.As(lerr, &e) && e.Kind != KindNotFound {
		return nil, lerr
	}

	if flag&os.O_CREATE == 0 {
		return nil, newError("open", name, KindNotFound, os.ErrNotExist)
	}
	if err := eng.ensureParentDirs(name); err != nil {
		return nil, err
	}
	f, err := eng.writable.OpenFile(name, flag, perm)
	if err != nil {
		return nil, wrapLayerErr("open", name, err)
	}
	eng.whiteout.Forget(name)
	return f, nil
}

// Unlink removes a file, recording a whiteout if it still exists on the
// readable layer after the writable-side removal (or immediately, if it
// only ever existed on readable).
func (eng *Engine) Unlink(name string) error {
	if err := eng.requireInitialized(); err != nil {
		return err
	}
	name = cleanPath(name)

	_, onWritable, err := eng.lookup(name)
	if err != nil {
		return err
	}

	if !onWritable {
		return eng.whiteout.RecordDelete(name)
	}

	if err := eng.writable.Remove(name); err != nil {
		return wrapLayerErr("unlink", name, err)
	}
	if _, rerr := eng.readable.Stat(name); rerr == nil {
		return eng.whiteout.RecordDelete(name)
	}
	return nil
}

// Rmdir removes an empty directory from the union view: the writable side
// (if present) must itself be empty, and once removed, the directory must
// be empty in the union view too (readable contents, if any) before a
// whiteout is recorded.
func (eng *Engine) Rmdir(name string) error {
	if err := eng.requireInitialized(); err != nil {
		return err
	}
	name = cleanPath(name)

	info, onWritable, err := eng.lookup(name)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return newError("rmdir", name, KindNotADirectory, nil)
	}

	if onWritable {
		if err := eng.writable.Remove(name); err != nil {
			return wrapLayerErr("rmdir", name, err)
		}
	}

	if _, rerr := eng.readable.Stat(name); rerr != nil {
		return nil // directory never existed on readable; nothing left to whiteout
	}

	entries, err := eng.ReadDir(name)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return newError("rmdir", name, KindNotEmpty, nil)
	}
	return eng.whiteout.RecordDelete(name)
}

// Mkdir creates a directory on the writable layer, failing with
// already-exists if the path is already visible. Creating the directory
// implicitly clears any stale whiteout for it.
func (eng *Engine) Mkdir(name string, perm os.FileMode) error {
	if err := eng.requireInitialized(); err != nil {
		return err
	}
	name = cleanPath(name)

	if eng.Exists(name) {
		return newError("mkdir", name, KindAlreadyExists, os.ErrExist)
	}
	if err := eng.ensureParentDirs(name); err != nil {
		return err
	}
	if err := eng.writable.Mkdir(name, perm); err != nil {
		return wrapLayerErr("mkdir", name, err)
	}
	eng.whiteout.Forget(name)
	return nil
}

// Chmod changes name's permission bits, copying it up from readable first
// if it isn't already on writable.
func (eng *Engine) Chmod(name string, mode os.FileMode) error {
	if err := eng.requireInitialized(); err != nil {
		return err
	}
	name = cleanPath(name)

	info, onWritable, err := eng.lookup(name)
	if err != nil {
		return err
	}
	if !onWritable {
		if err := eng.copyUp(name, info); err != nil {
			return err
		}
	}
	return wrapLayerErr("chmod", name, eng.writable.Chmod(name, mode))
}

// Chown changes name's ownership, copying it up from readable first if it
// isn't already on writable.
func (eng *Engine) Chown(name string, uid, gid int) error {
	if err := eng.requireInitialized(); err != nil {
		return err
	}
	name = cleanPath(name)

	info, onWritable, err := eng.lookup(name)
	if err != nil {
		return err
	}
	if !onWritable {
		if err := eng.copyUp(name, info); err != nil {
			return err
		}
	}
	return wrapLayerErr("chown", name, eng.writable.Chown(name, uid, gid))
}

// Chtimes changes name's access/modification times, copying it up from
// readable first if it isn't already on writable.
func (eng *Engine) Chtimes(name string, atime, mtime time.Time) error {
	if err := eng.requireInitialized(); err != nil {
		return err
	}
	name = cleanPath(name)

	info, onWritable, err := eng.lookup(name)
	if err != nil {
		return err
	}
	if !onWritable {
		if err := eng.copyUp(name, info); err != nil {
			return err
		}
	}
	return wrapLayerErr("chtimes", name, eng.writable.Chtimes(name, atime, mtime))
}

// Name reports the engine's identity, satisfying afero.Fs.
func (eng *Engine) Name() string { return "overlayfs.Engine" }

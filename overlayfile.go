package overlayfs

import (
	"io"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// OverlayFile is the handle returned for a path that is visible only on the
// readable layer and was opened without O_TRUNC (a truncating open copies
// up eagerly in Engine.OpenFile); read-only opens get one too.
// It buffers the readable content in memory and defers the actual copy-up
// until the first write is flushed, on Sync or Close, so a caller that
// opens O_RDWR and only ever reads never pays for a copy-up it didn't need.
type OverlayFile struct {
	eng      *Engine
	name     string
	readable bool
	writable bool
	isDir    bool
	mode     os.FileMode

	data   []byte
	pos    int64
	dirty  bool
	closed bool
}

func newOverlayFile(eng *Engine, name string, flag int, perm os.FileMode, info os.FileInfo) (afero.File, error) {
	f := &OverlayFile{
		eng:      eng,
		name:     name,
		readable: flag == os.O_RDONLY || flag&os.O_RDWR != 0,
		writable: flag&(os.O_WRONLY|os.O_RDWR) != 0,
		isDir:    info.IsDir(),
		mode:     info.Mode(),
	}

	if f.isDir {
		return f, nil
	}

	src, err := eng.readable.Open(name)
	if err != nil {
		return nil, wrapLayerErr("open", name, err)
	}
	data, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		return nil, wrapLayerErr("open", name, err)
	}
	f.data = data

	if flag&os.O_APPEND != 0 {
		f.pos = int64(len(f.data))
	}
	return f, nil
}

func (f *OverlayFile) Read(p []byte) (int, error) {
	if f.isDir {
		return 0, newError("read", f.name, KindIsADirectory, nil)
	}
	if !f.readable {
		return 0, newError("read", f.name, KindPermission, os.ErrPermission)
	}
	if f.pos >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *OverlayFile) ReadAt(p []byte, off int64) (int, error) {
	if f.isDir {
		return 0, newError("read", f.name, KindIsADirectory, nil)
	}
	if !f.readable {
		return 0, newError("read", f.name, KindPermission, os.ErrPermission)
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *OverlayFile) Write(p []byte) (int, error) {
	if f.isDir {
		return 0, newError("write", f.name, KindIsADirectory, nil)
	}
	if !f.writable {
		return 0, newError("write", f.name, KindPermission, os.ErrPermission)
	}
	f.growTo(f.pos + int64(len(p)))
	n := copy(f.data[f.pos:], p)
	f.pos += int64(n)
	f.dirty = true
	return n, nil
}

func (f *OverlayFile) WriteAt(p []byte, off int64) (int, error) {
	if f.isDir {
		return 0, newError("write", f.name, KindIsADirectory, nil)
	}
	if !f.writable {
		return 0, newError("write", f.name, KindPermission, os.ErrPermission)
	}
	f.growTo(off + int64(len(p)))
	n := copy(f.data[off:], p)
	f.dirty = true
	return n, nil
}

func (f *OverlayFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// growTo zero-pads f.data so it is at least n bytes long.
func (f *OverlayFile) growTo(n int64) {
	if n <= int64(len(f.data)) {
		return
	}
	grown := make([]byte, n)
	copy(grown, f.data)
	f.data = grown
}

func (f *OverlayFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = int64(len(f.data))
	default:
		return 0, newError("seek", f.name, KindInvalidArgument, nil)
	}
	pos := base + offset
	if pos < 0 {
		return 0, newError("seek", f.name, KindInvalidArgument, nil)
	}
	f.pos = pos
	return pos, nil
}

func (f *OverlayFile) Truncate(size int64) error {
	if f.isDir {
		return newError("truncate", f.name, KindIsADirectory, nil)
	}
	if !f.writable {
		return newError("truncate", f.name, KindPermission, os.ErrPermission)
	}
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		f.growTo(size)
	}
	f.dirty = true
	return nil
}

func (f *OverlayFile) Name() string { return f.name }

func (f *OverlayFile) Stat() (os.FileInfo, error) {
	if f.isDir {
		if info, _, err := f.eng.lookup(f.name); err == nil {
			return info, nil
		}
	}
	return &bufferedFileInfo{
		name:    path.Base(f.name),
		size:    int64(len(f.data)),
		mode:    f.mode,
		modTime: f.eng.clock(),
	}, nil
}

func (f *OverlayFile) Readdir(count int) ([]os.FileInfo, error) {
	if !f.isDir {
		return nil, newError("readdir", f.name, KindNotADirectory, nil)
	}
	entries, err := f.eng.ReadDir(f.name)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	if count > 0 && count < len(infos) {
		infos = infos[:count]
	}
	return infos, nil
}

func (f *OverlayFile) Readdirnames(n int) ([]string, error) {
	infos, err := f.Readdir(n)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

// Sync flushes any buffered write to the writable layer, performing the
// deferred copy-up. A no-op if nothing has been written.
func (f *OverlayFile) Sync() error {
	return f.flush()
}

// Close flushes any buffered write, then marks the handle unusable. Calling
// Close more than once is a no-op, matching os.File.
func (f *OverlayFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.flush()
}

// flush performs the deferred copy-up: the buffered content is written to
// a temp sibling on writable and renamed into place, the same atomic
// pattern copyUpFile uses, so a concurrent reader of the writable layer
// never observes a partial write.
func (f *OverlayFile) flush() error {
	if f.isDir || !f.dirty {
		return nil
	}

	if err := f.eng.ensureParentDirs(f.name); err != nil {
		return err
	}

	tmp := path.Join(path.Dir(f.name), ".copyup-"+uuid.NewString())
	dst, err := f.eng.writable.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_EXCL, f.mode)
	if err != nil {
		return wrapLayerErr("overlayfile.flush.create", tmp, err)
	}
	if _, err := dst.Write(f.data); err != nil {
		dst.Close()
		f.eng.writable.Remove(tmp)
		return wrapLayerErr("overlayfile.flush.write", f.name, err)
	}
	if err := dst.Close(); err != nil {
		f.eng.writable.Remove(tmp)
		return wrapLayerErr("overlayfile.flush.close", f.name, err)
	}
	if err := f.eng.writable.Rename(tmp, f.name); err != nil {
		f.eng.writable.Remove(tmp)
		return wrapLayerErr("overlayfile.flush.rename", f.name, err)
	}

	f.eng.whiteout.Forget(f.name)
	f.dirty = false
	if f.eng.logger != nil {
		f.eng.logger.WithField("path", f.name).Debug("overlayfs: overlay file flushed")
	}
	return nil
}

// bufferedFileInfo is the synthetic os.FileInfo returned by
// OverlayFile.Stat for a regular file, reflecting the in-memory buffer's
// current size rather than the readable layer's stale size once a write
// has been buffered but not yet flushed.
type bufferedFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (b *bufferedFileInfo) Name() string      { return b.name }
func (b *bufferedFileInfo) Size() int64        { return b.size }
func (b *bufferedFileInfo) Mode() os.FileMode  { return b.mode }
func (b *bufferedFileInfo) ModTime() time.Time { return b.modTime }
func (b *bufferedFileInfo) IsDir() bool        { return false }
func (b *bufferedFileInfo) Sys() interface{}   { return nil }

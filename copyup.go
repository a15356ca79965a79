package overlayfs

import (
	"io"
	"os"
	"path"

	"github.com/google/uuid"
)

// ensureParentDirs walks upward from parent(p) until it finds an ancestor
// that already exists on the writable layer (or reaches root), then
// creates the missing ancestors on writable, top-down, taking each one's
// mode from the union view. If an ancestor exists on neither layer, the
// walk stops at the first writable-present ancestor and leaves any
// further absence for the caller's subsequent writable Mkdir/OpenFile to
// surface as a not-found error.
func (eng *Engine) ensureParentDirs(p string) error {
	dir := path.Dir(p)
	if dir == "/" || dir == "." {
		return nil
	}

	var missing []string
	for dir != "/" {
		if _, err := eng.writable.Stat(dir); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return wrapLayerErr("ensureParentDirs", dir, err)
		}
		missing = append(missing, dir)
		dir = path.Dir(dir)
	}

	// missing was collected bottom-up; create top-down.
	for i := len(missing) - 1; i >= 0; i-- {
		d := missing[i]
		info, _, err := eng.lookup(d)
		if err != nil {
			// d is absent from the union; stop here and leave the absence
			// for the caller's writable call to report.
			break
		}
		if err := eng.writable.Mkdir(d, info.Mode()); err != nil && !os.IsExist(err) {
			return wrapLayerErr("ensureParentDirs", d, err)
		}
		eng.whiteout.Forget(d)
	}
	return nil
}

// copyUp promotes p from the readable layer onto the writable layer. info
// must be p's union stat result (from a caller that already confirmed p is
// not yet on writable).
func (eng *Engine) copyUp(p string, info os.FileInfo) error {
	if err := eng.ensureParentDirs(p); err != nil {
		return err
	}

	if info.IsDir() {
		return eng.copyUpDir(p, info)
	}
	return eng.copyUpFile(p, info)
}

func (eng *Engine) copyUpDir(p string, info os.FileInfo) error {
	if err := eng.writable.Mkdir(p, info.Mode()); err != nil && !os.IsExist(err) {
		return wrapLayerErr("copyup.mkdir", p, err)
	}
	eng.whiteout.Forget(p)
	if eng.logger != nil {
		eng.logger.WithField("path", p).Debug("overlayfs: directory copied up")
	}
	return nil
}

// copyUpFile streams p's content from readable to a temp sibling on
// writable, then renames the temp file into place, so writable.Stat(p)
// never observes a partial write mid-copy.
func (eng *Engine) copyUpFile(p string, info os.FileInfo) error {
	src, err := eng.readable.Open(p)
	if err != nil {
		return wrapLayerErr("copyup.open", p, err)
	}
	defer src.Close()

	tmp := path.Join(path.Dir(p), ".copyup-"+uuid.NewString())
	dst, err := eng.writable.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_EXCL, info.Mode())
	if err != nil {
		return wrapLayerErr("copyup.create", tmp, err)
	}

	buf := make([]byte, eng.copyBufferSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		dst.Close()
		eng.writable.Remove(tmp)
		return wrapLayerErr("copyup.copy", p, err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		eng.writable.Remove(tmp)
		return wrapLayerErr("copyup.sync", p, err)
	}
	if err := dst.Close(); err != nil {
		eng.writable.Remove(tmp)
		return wrapLayerErr("copyup.close", p, err)
	}

	if err := eng.writable.Rename(tmp, p); err != nil {
		eng.writable.Remove(tmp)
		return wrapLayerErr("copyup.rename", p, err)
	}
	if err := eng.writable.Chmod(p, info.Mode()); err != nil {
		return wrapLayerErr("copyup.chmod", p, err)
	}
	if err := eng.writable.Chtimes(p, info.ModTime(), info.ModTime()); err != nil {
		// Non-fatal: timestamps are best-effort.
		_ = err
	}

	eng.whiteout.Forget(p)
	if eng.logger != nil {
		eng.logger.WithField("path", p).Debug("overlayfs: file copied up")
	}
	return nil
}

package overlayfs

import (
	"errors"
	"io"
	"os"
	"path"
)

// Rename is the central cross-layer algorithm: moving a path that may
// exist only on the readable layer means creating it on writable first
// (for a file, copying its content; for a directory, recreating it and
// recursively renaming every child) before the readable original is
// whited out.
//
// Recursive child renames run sequentially, in program order, never via
// errgroup: concurrent children would race each other's whiteout-log
// writes and leave an inconsistent state if the process crashed mid-rename.
func (eng *Engine) Rename(oldname, newname string) error {
	if err := eng.requireInitialized(); err != nil {
		return err
	}
	oldname = cleanPath(oldname)
	newname = cleanPath(newname)
	if oldname == newname {
		return nil
	}

	oldInfo, oldOnWritable, err := eng.lookup(oldname)
	if err != nil {
		return err
	}

	newInfo, _, newErr := eng.lookup(newname)
	newExists := newErr == nil
	if newErr != nil && !errors.Is(newErr, ErrNotFound) {
		return newErr
	}

	if oldInfo.IsDir() {
		return eng.renameDir(oldname, newname, oldOnWritable, newExists, newInfo)
	}
	return eng.renameFile(oldname, newname, newExists, newInfo)
}

func (eng *Engine) renameDir(oldname, newname string, oldOnWritable, newExists bool, newInfo os.FileInfo) error {
	if !newExists {
		if oldOnWritable {
			if err := eng.writable.Rename(oldname, newname); err != nil {
				return wrapLayerErr("rename", oldname, err)
			}
			eng.whiteout.Forget(newname)
			return nil
		}

		if err := eng.ensureParentDirs(newname); err != nil {
			return err
		}
		if err := eng.writable.Mkdir(newname, 0o777); err != nil && !os.IsExist(err) {
			return wrapLayerErr("rename.mkdir", newname, err)
		}
		eng.whiteout.Forget(newname)
		return eng.renameChildren(oldname, newname)
	}

	if !newInfo.IsDir() {
		return newError("rename", newname, KindNotADirectory, nil)
	}

	entries, err := eng.ReadDir(newname)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return newError("rename", newname, KindNotEmpty, nil)
	}
	return eng.renameChildren(oldname, newname)
}

// renameChildren recursively renames every child of oldDir (enumerated
// through the union view, which for the "newPath missing" caller is
// equivalent to the readable layer alone, since that branch only runs when
// oldDir has no writable counterpart) into newDir, then removes oldDir
// itself the same way Rmdir would.
func (eng *Engine) renameChildren(oldDir, newDir string) error {
	children, err := eng.ReadDir(oldDir)
	if err != nil {
		return err
	}
	for _, child := range children {
		childOld := path.Join(oldDir, child.Name())
		childNew := path.Join(newDir, child.Name())
		if err := eng.Rename(childOld, childNew); err != nil {
			return err
		}
	}
	return eng.Rmdir(oldDir)
}

func (eng *Engine) renameFile(oldname, newname string, newExists bool, newInfo os.FileInfo) error {
	if newExists && newInfo.IsDir() {
		return newError("rename", newname, KindIsADirectory, nil)
	}

	src, err := eng.Open(oldname)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		return wrapLayerErr("rename.read", oldname, err)
	}

	mode := os.FileMode(0o644)
	if info, _, lerr := eng.lookup(oldname); lerr == nil {
		mode = info.Mode()
	}

	dst, err := eng.OpenFile(newname, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := dst.Write(data); err != nil {
		dst.Close()
		return wrapLayerErr("rename.write", newname, err)
	}
	if err := dst.Close(); err != nil {
		return wrapLayerErr("rename.close", newname, err)
	}

	return eng.Unlink(oldname)
}

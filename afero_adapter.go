package overlayfs

import (
	"errors"
	"os"
	"path"

	"github.com/spf13/afero"
)

// The methods in this file round out Engine's afero.Fs interface, so an
// Engine (and, transitively, a SerializingWrapper's inner Engine) can be
// passed directly to afero.ReadFile, afero.WriteFile, and friends. Stat,
// Open, OpenFile, Mkdir, Chmod, Chown, Chtimes, and Name live in engine.go
// and Rename in rename.go; Create, MkdirAll, Remove, and RemoveAll are defined here since
// each is a thin composition of the others rather than a primitive union
// operation in its own right.

var _ afero.Fs = (*Engine)(nil)

// Create creates name on the writable layer, truncating if it already
// exists, the same semantics as os.Create.
func (eng *Engine) Create(name string) (afero.File, error) {
	return eng.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// MkdirAll creates name and any missing ancestors on the writable layer. A
// name that already resolves through the union is left untouched, matching
// os.MkdirAll's "no error if already a directory" contract.
func (eng *Engine) MkdirAll(name string, perm os.FileMode) error {
	if err := eng.requireInitialized(); err != nil {
		return err
	}
	name = cleanPath(name)

	if info, _, err := eng.lookup(name); err == nil {
		if !info.IsDir() {
			return newError("mkdirall", name, KindNotADirectory, nil)
		}
		return nil
	}

	if err := eng.ensureParentDirs(name); err != nil {
		return err
	}
	if err := eng.writable.MkdirAll(name, perm); err != nil && !os.IsExist(err) {
		return wrapLayerErr("mkdirall", name, err)
	}
	eng.whiteout.Forget(name)
	return nil
}

// Remove deletes name, dispatching to Unlink or Rmdir depending on its
// type, matching the single-entry-point os.Remove/afero.Fs.Remove contract
// this module otherwise splits into two spec-named operations.
func (eng *Engine) Remove(name string) error {
	if err := eng.requireInitialized(); err != nil {
		return err
	}
	name = cleanPath(name)

	info, _, err := eng.lookup(name)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return eng.Rmdir(name)
	}
	return eng.Unlink(name)
}

// RemoveAll recursively removes name and everything under it. A name that
// does not exist is not an error, matching os.RemoveAll.
func (eng *Engine) RemoveAll(name string) error {
	if err := eng.requireInitialized(); err != nil {
		return err
	}
	name = cleanPath(name)

	info, _, err := eng.lookup(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return eng.Unlink(name)
	}

	entries, err := eng.ReadDir(name)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := eng.RemoveAll(path.Join(name, entry.Name())); err != nil {
			return err
		}
	}
	return eng.Rmdir(name)
}

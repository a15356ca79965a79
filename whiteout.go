package overlayfs

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// WhiteoutLogPath is the fixed location of the whiteout log on the
// writable layer.
const WhiteoutLogPath = "/.deletedFiles.log"

const (
	tagDelete   = 'd'
	tagUndelete = 'u'
)

// WhiteoutLog is the append-only record of path deletions/undeletions that
// exist only on the readable layer. It loads into an in-memory set on
// Load and is mutated synchronously, flushing before every mutation
// returns, so externally-visible deletions are durable at return.
type WhiteoutLog struct {
	mu       sync.Mutex
	writable afero.Fs
	file     afero.File
	set      map[string]bool
	logger   *logrus.Logger
}

// LoadWhiteoutLog recovers /.deletedFiles.log from writable into an
// in-memory WhiteoutSet and opens it for appending. A missing log is
// treated as an empty one, not an error.
func LoadWhiteoutLog(writable afero.Fs, logger *logrus.Logger) (*WhiteoutLog, error) {
	wl := &WhiteoutLog{
		writable: writable,
		set:      make(map[string]bool),
		logger:   logger,
	}

	data, err := afero.ReadFile(writable, WhiteoutLogPath)
	switch {
	case err == nil:
		wl.parse(data)
	case os.IsNotExist(err):
		// A missing log means no whiteouts recorded yet.
	default:
		return nil, wrapLayerErr("whiteoutlog.load", WhiteoutLogPath, err)
	}

	f, err := writable.OpenFile(WhiteoutLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, wrapLayerErr("whiteoutlog.open", WhiteoutLogPath, err)
	}
	wl.file = f

	if wl.logger != nil {
		wl.logger.WithField("entries", len(wl.set)).Debug("overlayfs: whiteout log recovered")
	}
	return wl, nil
}

// parse fills the in-memory set from the raw log contents, one record per
// line: a tag byte ('d' or 'u') immediately followed by the absolute path.
func (wl *WhiteoutLog) parse(data []byte) {
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		tag := line[0]
		p := line[1:]
		if p == "" {
			continue
		}
		wl.set[p] = tag == tagDelete
	}
}

// IsWhiteout reports whether p is currently recorded as deleted.
func (wl *WhiteoutLog) IsWhiteout(p string) bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.set[p]
}

// RecordDelete marks p as whited-out and durably appends a 'd' record
// before returning.
func (wl *WhiteoutLog) RecordDelete(p string) error {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	if err := wl.append(tagDelete, p); err != nil {
		return err
	}
	wl.set[p] = true
	if wl.logger != nil {
		wl.logger.WithField("path", p).Debug("overlayfs: whiteout recorded")
	}
	return nil
}

// RecordUndelete revokes a prior deletion of p and durably appends a 'u'
// record before returning. Every record, including undeletes, ends with a
// trailing newline.
func (wl *WhiteoutLog) RecordUndelete(p string) error {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	if err := wl.append(tagUndelete, p); err != nil {
		return err
	}
	wl.set[p] = false
	if wl.logger != nil {
		wl.logger.WithField("path", p).Debug("overlayfs: whiteout revoked")
	}
	return nil
}

// Forget drops any record of p from the in-memory set, without writing a
// new log entry. It is used after creating p on writable (Mkdir, Create,
// copy-up): the path is no longer deleted, and since it now also has a
// writable presence its prior whiteout state is moot and does not need a
// durable 'u' record of its own.
func (wl *WhiteoutLog) Forget(p string) {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	delete(wl.set, p)
}

func (wl *WhiteoutLog) append(tag byte, p string) error {
	record := string(tag) + p + "\n"
	if _, err := wl.file.Write([]byte(record)); err != nil {
		return wrapLayerErr("whiteoutlog.append", WhiteoutLogPath, err)
	}
	if err := wl.file.Sync(); err != nil {
		return wrapLayerErr("whiteoutlog.sync", WhiteoutLogPath, err)
	}
	return nil
}

// Close releases the open log file handle. It does not clear the in-memory
// set; a WhiteoutLog is not reused after Close.
func (wl *WhiteoutLog) Close() error {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	if wl.file == nil {
		return nil
	}
	return wl.file.Close()
}

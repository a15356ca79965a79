package overlayfs

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// whiteoutLockPath is a courtesy sentinel for operators running
// CompactWhiteoutLog against a mount they believe is unmounted. The live
// Engine never creates or checks it; compaction runs offline only.
const whiteoutLockPath = WhiteoutLogPath + ".lock"

// CompactWhiteoutLog rewrites /.deletedFiles.log on writable to contain
// only the 'd' records whose path currently resolves to deleted, dropping
// stale 'u' records and superseded 'd' records. The original log is
// preserved gzip-compressed alongside it before being overwritten.
//
// It is an offline maintenance operation and takes no part in an Engine's
// own locking, so callers must stop the mount, or at least ensure no
// Engine holds the layer, before calling this.
func CompactWhiteoutLog(writable afero.Fs) error {
	if _, err := writable.Stat(whiteoutLockPath); err == nil {
		return fmt.Errorf("overlayfs: %s present, refusing to compact a possibly-mounted layer", whiteoutLockPath)
	}

	data, err := afero.ReadFile(writable, WhiteoutLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wrapLayerErr("compact.read", WhiteoutLogPath, err)
	}

	wl := &WhiteoutLog{set: make(map[string]bool)}
	wl.parse(data)

	if err := archiveWhiteoutLog(writable, data); err != nil {
		return err
	}

	paths := make([]string, 0, len(wl.set))
	for p, deleted := range wl.set {
		if deleted {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	for _, p := range paths {
		buf.WriteByte(tagDelete)
		buf.WriteString(p)
		buf.WriteByte('\n')
	}

	if err := afero.WriteFile(writable, WhiteoutLogPath, buf.Bytes(), 0o600); err != nil {
		return wrapLayerErr("compact.write", WhiteoutLogPath, err)
	}
	return nil
}

// archiveWhiteoutLog gzips the pre-compaction log verbatim to a
// timestamped sibling path, so an operator can recover the full history if
// compaction drops something they needed.
func archiveWhiteoutLog(writable afero.Fs, data []byte) error {
	archivePath := fmt.Sprintf("%s.%d.gz", WhiteoutLogPath, time.Now().UnixNano())

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("overlayfs: gzip whiteout log archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("overlayfs: close whiteout log archive: %w", err)
	}

	if err := afero.WriteFile(writable, archivePath, buf.Bytes(), 0o600); err != nil {
		return wrapLayerErr("compact.archive", archivePath, err)
	}
	return nil
}

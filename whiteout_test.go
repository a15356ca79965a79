package overlayfs

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func TestWhiteoutLogRecordAndReload(t *testing.T) {
	writable := afero.NewMemMapFs()

	wl, err := LoadWhiteoutLog(writable, nil)
	if err != nil {
		t.Fatalf("LoadWhiteoutLog: %v", err)
	}
	if err := wl.RecordDelete("/a.txt"); err != nil {
		t.Fatalf("RecordDelete: %v", err)
	}
	if err := wl.RecordDelete("/b.txt"); err != nil {
		t.Fatalf("RecordDelete: %v", err)
	}
	if err := wl.RecordUndelete("/b.txt"); err != nil {
		t.Fatalf("RecordUndelete: %v", err)
	}
	wl.Close()

	reloaded, err := LoadWhiteoutLog(writable, nil)
	if err != nil {
		t.Fatalf("LoadWhiteoutLog (reload): %v", err)
	}
	if !reloaded.IsWhiteout("/a.txt") {
		t.Error("/a.txt should still be whited out after reload")
	}
	if reloaded.IsWhiteout("/b.txt") {
		t.Error("/b.txt should not be whited out after its undelete")
	}
}

// Every record written by this implementation ends with a newline, even
// an undelete record.
func TestEveryRecordEndsInNewline(t *testing.T) {
	writable := afero.NewMemMapFs()
	wl, err := LoadWhiteoutLog(writable, nil)
	if err != nil {
		t.Fatalf("LoadWhiteoutLog: %v", err)
	}
	if err := wl.RecordDelete("/a.txt"); err != nil {
		t.Fatalf("RecordDelete: %v", err)
	}
	if err := wl.RecordUndelete("/a.txt"); err != nil {
		t.Fatalf("RecordUndelete: %v", err)
	}
	wl.Close()

	raw, err := afero.ReadFile(writable, WhiteoutLogPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d: %q", len(lines), raw)
	}
	if !strings.HasSuffix(string(raw), "\n") {
		t.Error("expected the log to end in a trailing newline")
	}
}

func TestForgetDropsInMemoryState(t *testing.T) {
	writable := afero.NewMemMapFs()
	wl, err := LoadWhiteoutLog(writable, nil)
	if err != nil {
		t.Fatalf("LoadWhiteoutLog: %v", err)
	}
	if err := wl.RecordDelete("/a.txt"); err != nil {
		t.Fatalf("RecordDelete: %v", err)
	}
	wl.Forget("/a.txt")
	if wl.IsWhiteout("/a.txt") {
		t.Error("expected Forget to clear the in-memory whiteout state")
	}
}

func TestMissingLogTreatedAsEmpty(t *testing.T) {
	writable := afero.NewMemMapFs()
	wl, err := LoadWhiteoutLog(writable, nil)
	if err != nil {
		t.Fatalf("LoadWhiteoutLog: %v", err)
	}
	if wl.IsWhiteout("/anything") {
		t.Error("a fresh log should not report anything as whited out")
	}
}

func TestCompactWhiteoutLogDropsStaleRecords(t *testing.T) {
	writable := afero.NewMemMapFs()
	wl, err := LoadWhiteoutLog(writable, nil)
	if err != nil {
		t.Fatalf("LoadWhiteoutLog: %v", err)
	}
	wl.RecordDelete("/a.txt")
	wl.RecordDelete("/b.txt")
	wl.RecordUndelete("/b.txt")
	wl.Close()

	if err := CompactWhiteoutLog(writable); err != nil {
		t.Fatalf("CompactWhiteoutLog: %v", err)
	}

	reloaded, err := LoadWhiteoutLog(writable, nil)
	if err != nil {
		t.Fatalf("LoadWhiteoutLog (post-compact): %v", err)
	}
	if !reloaded.IsWhiteout("/a.txt") {
		t.Error("/a.txt should remain whited out after compaction")
	}
	if reloaded.IsWhiteout("/b.txt") {
		t.Error("/b.txt should not be whited out after compaction")
	}

	entries, err := afero.ReadDir(writable, "/")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var sawArchive bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".deletedFiles.log.") && strings.HasSuffix(e.Name(), ".gz") {
			sawArchive = true
		}
	}
	if !sawArchive {
		t.Error("expected a gzip archive of the pre-compaction log")
	}
}

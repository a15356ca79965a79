package overlayfs

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/spf13/afero"
)

func mustEngine(t *testing.T, writable, readable afero.Fs) *Engine {
	t.Helper()
	eng, err := New(WithWritableLayer(writable), WithReadableLayer(readable))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return eng
}

func TestReadThroughToReadableLayer(t *testing.T) {
	readable := afero.NewMemMapFs()
	afero.WriteFile(readable, "/test.txt", []byte("base content"), 0644)

	eng := mustEngine(t, afero.NewMemMapFs(), readable)

	data, err := afero.ReadFile(eng, "/test.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "base content" {
		t.Errorf("got %q, want %q", data, "base content")
	}
}

func TestWriteLandsOnWritableLayer(t *testing.T) {
	writable := afero.NewMemMapFs()
	eng := mustEngine(t, writable, afero.NewMemMapFs())

	if err := afero.WriteFile(eng, "/new.txt", []byte("new content"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := afero.ReadFile(eng, "/new.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "new content" {
		t.Errorf("got %q, want %q", data, "new content")
	}

	if _, err := writable.Stat("/new.txt"); err != nil {
		t.Error("expected file on writable layer")
	}
}

func TestOpenFileTruncCopiesUpBeforeWriting(t *testing.T) {
	readable := afero.NewMemMapFs()
	afero.WriteFile(readable, "/test.txt", []byte("original"), 0644)
	writable := afero.NewMemMapFs()

	eng := mustEngine(t, writable, readable)

	f, err := eng.OpenFile("/test.txt", os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.Write([]byte("modified")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, _ := afero.ReadFile(eng, "/test.txt")
	if string(data) != "modified" {
		t.Errorf("union view: got %q, want %q", data, "modified")
	}

	data, _ = afero.ReadFile(readable, "/test.txt")
	if string(data) != "original" {
		t.Errorf("readable layer should be untouched, got %q", data)
	}
	if _, err := writable.Stat("/test.txt"); err != nil {
		t.Error("expected copy-up onto writable layer")
	}
}

func TestOverlayFileDeferredCopyUp(t *testing.T) {
	readable := afero.NewMemMapFs()
	afero.WriteFile(readable, "/test.txt", []byte("original"), 0644)
	writable := afero.NewMemMapFs()

	eng := mustEngine(t, writable, readable)

	f, err := eng.OpenFile("/test.txt", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	buf := make([]byte, 8)
	if _, err := f.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "original" {
		t.Errorf("got %q, want %q", buf, "original")
	}

	// Merely opening and reading should not have copied the file up yet.
	if _, err := writable.Stat("/test.txt"); err == nil {
		t.Error("file should not be on writable layer before any write")
	}

	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := f.Write([]byte("changedxx")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := writable.Stat("/test.txt"); err != nil {
		t.Error("expected copy-up after Close of a dirty handle")
	}
	data, _ := afero.ReadFile(eng, "/test.txt")
	if string(data) != "changedxx" {
		t.Errorf("got %q, want %q", data, "changedxx")
	}
}

func TestUnlinkReadableOnlyRecordsWhiteout(t *testing.T) {
	readable := afero.NewMemMapFs()
	afero.WriteFile(readable, "/file.txt", []byte("content"), 0644)
	eng := mustEngine(t, afero.NewMemMapFs(), readable)

	if err := eng.Unlink("/file.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	if _, err := eng.Stat("/file.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected file to be hidden via whiteout, got %v", err)
	}
	if _, err := readable.Stat("/file.txt"); err != nil {
		t.Error("readable layer should be untouched by unlink")
	}
}

func TestMkdirThenMkdirAgainFails(t *testing.T) {
	eng := mustEngine(t, afero.NewMemMapFs(), afero.NewMemMapFs())

	if err := eng.Mkdir("/dir", 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if !eng.Exists("/dir") {
		t.Error("expected /dir to exist")
	}
	if err := eng.Mkdir("/dir", 0755); err == nil {
		t.Error("expected already-exists error on second Mkdir")
	}
}

func TestReadDirMergesLayersAndDropsWhiteouts(t *testing.T) {
	readable := afero.NewMemMapFs()
	afero.WriteFile(readable, "/dir/a.txt", []byte("a"), 0644)
	afero.WriteFile(readable, "/dir/b.txt", []byte("b"), 0644)
	writable := afero.NewMemMapFs()
	afero.WriteFile(writable, "/dir/c.txt", []byte("c"), 0644)

	eng := mustEngine(t, writable, readable)

	if err := eng.Unlink("/dir/b.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	entries, err := eng.ReadDir("/dir")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names["a.txt"] || !names["c.txt"] {
		t.Errorf("expected a.txt and c.txt, got %v", names)
	}
	if names["b.txt"] {
		t.Error("b.txt should be hidden by its whiteout")
	}
}

func TestChmodCopiesUpFromReadable(t *testing.T) {
	readable := afero.NewMemMapFs()
	afero.WriteFile(readable, "/test.txt", []byte("data"), 0644)
	writable := afero.NewMemMapFs()

	eng := mustEngine(t, writable, readable)

	if err := eng.Chmod("/test.txt", 0600); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if _, err := writable.Stat("/test.txt"); err != nil {
		t.Error("expected copy-up as a side effect of Chmod")
	}
}

func TestWhiteoutSurvivesReinitialize(t *testing.T) {
	readable := afero.NewMemMapFs()
	afero.WriteFile(readable, "/file.txt", []byte("content"), 0644)
	writable := afero.NewMemMapFs()

	eng := mustEngine(t, writable, readable)
	if err := eng.Unlink("/file.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	eng2 := mustEngine(t, writable, readable)
	if eng2.Exists("/file.txt") {
		t.Error("whiteout should have survived across a fresh Engine over the same writable layer")
	}
}

func TestOperationsBeforeInitializeFail(t *testing.T) {
	eng, err := New(WithWritableLayer(afero.NewMemMapFs()), WithReadableLayer(afero.NewMemMapFs()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Stat("/x"); err != ErrNotInitialized {
		t.Errorf("got %v, want ErrNotInitialized", err)
	}
}

package overlayfs

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// These cover the core end-to-end behaviors of the overlay, written with
// testify for clearer assertion failures on a scenario with several
// expectations at once.

func TestScenarioCopyUpOnChmod(t *testing.T) {
	readable := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(readable, "/a/b", []byte("hello"), 0o444))
	writable := afero.NewMemMapFs()

	eng := mustEngine(t, writable, readable)

	require.NoError(t, eng.Chmod("/a/b", 0o600))

	info, err := writable.Stat("/a")
	require.NoError(t, err)
	require.True(t, info.IsDir())

	info, err = writable.Stat("/a/b")
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := afero.ReadFile(writable, "/a/b")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestScenarioWhiteoutSurvivesRestart(t *testing.T) {
	readable := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(readable, "/x", []byte("data"), 0o644))
	writable := afero.NewMemMapFs()

	eng := mustEngine(t, writable, readable)
	require.NoError(t, eng.Unlink("/x"))

	log, err := afero.ReadFile(writable, WhiteoutLogPath)
	require.NoError(t, err)
	require.Contains(t, string(log), "d/x")

	restarted := mustEngine(t, writable, readable)
	require.False(t, restarted.Exists("/x"))
}

func TestScenarioRenameAcrossLayers(t *testing.T) {
	readable := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(readable, "/src/f1", []byte("1"), 0o644))
	require.NoError(t, afero.WriteFile(readable, "/src/f2", []byte("2"), 0o644))
	writable := afero.NewMemMapFs()

	eng := mustEngine(t, writable, readable)

	require.NoError(t, eng.Rename("/src", "/dst"))

	require.True(t, eng.Exists("/dst/f1"))
	require.True(t, eng.Exists("/dst/f2"))
	require.False(t, eng.Exists("/src"))

	for _, p := range []string{"/src/f1", "/src/f2", "/src"} {
		require.True(t, eng.whiteout.IsWhiteout(p), "expected %s to be whited out", p)
	}
}

func TestScenarioOverlayFileFlush(t *testing.T) {
	readable := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(readable, "/hello.txt", []byte("hi"), 0o644))
	writable := afero.NewMemMapFs()

	eng := mustEngine(t, writable, readable)

	f, err := eng.OpenFile("/hello.txt", os.O_RDWR, 0)
	require.NoError(t, err)

	_, err = f.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	_, err = f.Write([]byte(" there"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := afero.ReadFile(writable, "/hello.txt")
	require.NoError(t, err)
	require.Equal(t, "hi there", string(data))
}

func TestScenarioSyncUnderLockFails(t *testing.T) {
	readable := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(readable, "/src", []byte("x"), 0o644))
	w := Serialize(mustEngine(t, afero.NewMemMapFs(), readable))

	release := make(chan struct{})
	w.RenameAsync(context.Background(), "/src", "/dst", func(err error) {
		<-release
	})

	require.Eventually(t, w.IsLocked, time.Second, time.Millisecond)

	_, err := w.Stat("/src")
	require.ErrorIs(t, err, ErrInvalidSyncCall)

	close(release)
}

func TestScenarioReaddirMergesWithWhiteout(t *testing.T) {
	writable := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(writable, "/d/a", []byte("a"), 0o644))
	readable := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(readable, "/d/a", []byte("a-readable"), 0o644))
	require.NoError(t, afero.WriteFile(readable, "/d/b", []byte("b"), 0o644))
	require.NoError(t, afero.WriteFile(readable, "/d/c", []byte("c"), 0o644))

	eng := mustEngine(t, writable, readable)
	require.NoError(t, eng.whiteout.RecordDelete("/d/b"))

	entries, err := eng.ReadDir("/d")
	require.NoError(t, err)

	names := make(map[string]int)
	for _, e := range entries {
		names[e.Name()]++
	}
	require.Equal(t, map[string]int{"a": 1, "c": 1}, names)
}

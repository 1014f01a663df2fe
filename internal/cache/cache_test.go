package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediamill/internal/logging"
	"mediamill/internal/media"
)

func newTestCache(t *testing.T, maxBytes int64) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), maxBytes, 7*24*time.Hour, logging.Nop())
	require.NoError(t, err)
	return c
}

func TestMetadataRoundTrip(t *testing.T) {
	c := newTestCache(t, 1<<20)
	info := media.Info{Path: "/tmp/a.mp4", Width: 640, Height: 480, Duration: 5, VideoCodec: "h264"}

	fp := Fingerprint("/tmp/a.mp4")
	require.NoError(t, c.PutMetadata(fp, "/tmp/a.mp4", info))

	got, ok := c.GetMetadata(fp)
	require.True(t, ok)
	assert.Equal(t, info, got)
}

func TestMetadataSurvivesHotEviction(t *testing.T) {
	c := newTestCache(t, 1<<20)
	info := media.Info{Width: 1280, Height: 720, VideoCodec: "h264"}
	fp := Fingerprint("source-x")
	require.NoError(t, c.PutMetadata(fp, "source-x", info))

	// Dropping the hot front forces the disk path.
	c.hot.Purge()
	got, ok := c.GetMetadata(fp)
	require.True(t, ok)
	assert.Equal(t, info.Width, got.Width)
}

func TestMissCountsAsMiss(t *testing.T) {
	c := newTestCache(t, 1<<20)
	_, ok := c.GetMetadata("nope")
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Stats().Misses)
}

func TestArtifactRoundTrip(t *testing.T) {
	c := newTestCache(t, 1<<20)
	src := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	fp := Fingerprint(src)
	ph := HashParams("720p/mp4")
	cached, err := c.PutArtifact(fp, ph, src, src)
	require.NoError(t, err)

	got, ok := c.GetArtifact(fp, ph)
	require.True(t, ok)
	assert.Equal(t, cached, got)

	raw, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(raw))

	_, ok = c.GetArtifact(fp, HashParams("1080p/mp4"))
	assert.False(t, ok, "different params miss")
}

func TestSizeCapEvictsLRU(t *testing.T) {
	c := newTestCache(t, 20)
	dir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	oldSrc := write("a.bin", "aaaaaaaaaa") // 10 bytes
	_, err := c.PutArtifact("fp-a", "p", oldSrc, oldSrc)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	newSrc := write("b.bin", "bbbbbbbbbb")
	_, err = c.PutArtifact("fp-b", "p", newSrc, newSrc)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// Third insert pushes total past the cap; the oldest entry goes.
	thirdSrc := write("c.bin", "cccccccccc")
	_, err = c.PutArtifact("fp-c", "p", thirdSrc, thirdSrc)
	require.NoError(t, err)

	_, ok := c.GetArtifact("fp-a", "p")
	assert.False(t, ok, "oldest artifact evicted")
	_, ok = c.GetArtifact("fp-c", "p")
	assert.True(t, ok)
	assert.LessOrEqual(t, c.Stats().TotalBytes, int64(20))
}

func TestSweepExpired(t *testing.T) {
	c, err := New(t.TempDir(), 1<<20, 10*time.Millisecond, logging.Nop())
	require.NoError(t, err)

	fp := Fingerprint("stale-source")
	require.NoError(t, c.PutMetadata(fp, "stale-source", media.Info{Width: 1}))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, c.SweepExpired())
	_, ok := c.GetMetadata(fp)
	assert.False(t, ok)
}

func TestIndexSaveWithConcurrentAccess(t *testing.T) {
	c := newTestCache(t, 1<<20)
	src := filepath.Join(t.TempDir(), "seed.bin")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	for i := 0; i < 50; i++ {
		_, err := c.PutArtifact(fmt.Sprintf("fp-%03d", i), "p", src, src)
		require.NoError(t, err)
	}

	// Accesses keep mutating entry timestamps while the index is written.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.GetArtifact("fp-007", "p")
				c.GetArtifact("fp-042", "p")
			}
		}
	}()
	for i := 0; i < 200; i++ {
		require.NoError(t, c.saveIndex())
	}
	close(stop)
	wg.Wait()

	reopened, err := New(c.dir, 1<<20, time.Hour, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, 50, reopened.Stats().Entries, "index never persists torn state")
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 1<<20, time.Hour, logging.Nop())
	require.NoError(t, err)
	fp := Fingerprint("persist-me")
	require.NoError(t, c.PutMetadata(fp, "persist-me", media.Info{Width: 99}))

	reopened, err := New(dir, 1<<20, time.Hour, logging.Nop())
	require.NoError(t, err)
	got, ok := reopened.GetMetadata(fp)
	require.True(t, ok)
	assert.Equal(t, 99, got.Width)
}

func TestClear(t *testing.T) {
	c := newTestCache(t, 1<<20)
	require.NoError(t, c.PutMetadata("fp", "src", media.Info{Width: 1}))
	c.Clear()
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestFingerprintChangesWithFileContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.mp4")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))
	fp1 := Fingerprint(path)

	require.NoError(t, os.WriteFile(path, []byte("longer content"), 0o644))
	fp2 := Fingerprint(path)
	assert.NotEqual(t, fp1, fp2)

	assert.Equal(t, Fingerprint("https://example.com/v"), Fingerprint("https://example.com/v"))
}

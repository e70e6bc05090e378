package collect

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgriffin/sphered/internal/model"
)

func newTestCollector(t *testing.T) (*Collector, string, string) {
	t.Helper()
	products := t.TempDir()
	reduced := filepath.Join(t.TempDir(), "reduced")
	c := New(model.CollectConfig{ProductsDir: products, ReducedDir: reduced})
	return c, products, reduced
}

func writeProduct(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("product"), 0644))
	return path
}

func TestCollect_MovesMatchingProducts(t *testing.T) {
	c, products, reduced := newTestCollector(t)

	writeProduct(t, products, "cube001_reduced.fits")
	writeProduct(t, products, filepath.Join("run_001", "cube001_wavecal.fits"))
	other := writeProduct(t, products, "cube002_reduced.fits")

	moved, err := c.Collect("/data/raw/cube001.fits")
	require.NoError(t, err)
	assert.Len(t, moved, 2)

	for _, dest := range moved {
		_, err := os.Stat(dest)
		assert.NoError(t, err, "moved product should exist at %s", dest)
	}
	assert.FileExists(t, other, "non-matching product must stay put")

	entries, err := os.ReadDir(reduced)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCollect_NoProductsIsNotAnError(t *testing.T) {
	c, _, _ := newTestCollector(t)

	moved, err := c.Collect("/data/raw/cube009.fits")
	require.NoError(t, err)
	assert.Empty(t, moved)
}

func TestCollect_MissingProductsDir(t *testing.T) {
	c := New(model.CollectConfig{
		ProductsDir: filepath.Join(t.TempDir(), "nope"),
		ReducedDir:  t.TempDir(),
	})

	moved, err := c.Collect("/data/raw/cube001.fits")
	require.NoError(t, err)
	assert.Empty(t, moved)
}

func TestCollect_CollisionGetsTimestampSuffix(t *testing.T) {
	c, products, reduced := newTestCollector(t)
	c.now = func() time.Time {
		return time.Date(2026, 8, 26, 13, 14, 15, 0, time.UTC)
	}

	require.NoError(t, os.MkdirAll(reduced, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(reduced, "cube001_reduced.fits"), []byte("old"), 0644))

	writeProduct(t, products, "cube001_reduced.fits")

	moved, err := c.Collect("/data/raw/cube001.fits")
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, filepath.Join(reduced, "cube001_reduced_20260826_131415.fits"), moved[0])

	// The earlier reduction is untouched.
	data, err := os.ReadFile(filepath.Join(reduced, "cube001_reduced.fits"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

// Package collect gathers pipeline output products into the reduced-data directory.
package collect

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mgriffin/sphered/internal/model"
)

// Collector moves product files the pipeline wrote for one input file from
// the products directory into the reduced directory. Matching is by input
// stem: a product belongs to an input when its name contains the input's
// filename without extension.
type Collector struct {
	productsDir string
	reducedDir  string
	now         func() time.Time
}

func New(cfg model.CollectConfig) *Collector {
	return &Collector{
		productsDir: cfg.ProductsDir,
		reducedDir:  cfg.ReducedDir,
		now:         time.Now,
	}
}

// Collect moves all products matching inputPath's stem and returns their
// destination paths. A missing products directory is not an error: the
// pipeline may legitimately have produced nothing.
func (c *Collector) Collect(inputPath string) ([]string, error) {
	stem := inputStem(inputPath)
	if stem == "" {
		return nil, fmt.Errorf("empty stem for input %q", inputPath)
	}

	if _, err := os.Stat(c.productsDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat products dir: %w", err)
	}

	var products []string
	err := filepath.WalkDir(c.productsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.Contains(d.Name(), stem) {
			products = append(products, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan products dir: %w", err)
	}

	if len(products) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(c.reducedDir, 0755); err != nil {
		return nil, fmt.Errorf("create reduced dir: %w", err)
	}

	var moved []string
	for _, product := range products {
		dest := filepath.Join(c.reducedDir, filepath.Base(product))
		// Never overwrite an earlier reduction; disambiguate with a timestamp.
		if _, err := os.Stat(dest); err == nil {
			base := filepath.Base(product)
			ext := filepath.Ext(base)
			name := strings.TrimSuffix(base, ext)
			stamp := c.now().Format("20060102_150405")
			dest = filepath.Join(c.reducedDir, fmt.Sprintf("%s_%s%s", name, stamp, ext))
		}
		if err := moveFile(product, dest); err != nil {
			return moved, fmt.Errorf("move product %s: %w", product, err)
		}
		moved = append(moved, dest)
	}
	return moved, nil
}

// moveFile renames src to dst, falling back to copy+remove when the two
// directories live on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// inputStem returns the input filename without directory or extension,
// e.g. "/data/raw/cube001.fits" -> "cube001".
func inputStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Package isolate hands out private debug-artifact directories so that
// concurrent requests, and concurrent attempts within one request,
// never write into the same place. Directories are only ever created
// here; cleaning them up is left to the operator.
package isolate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Category names a kind of captured artifact.
type Category string

// Capture categories.
const (
	CategoryDebug       Category = "debug"
	CategoryScreenshots Category = "screenshots"
)

// Isolator allocates per-request directories under configured base
// directories. A category with an empty base is disabled. The zero
// value is usable and allocates nothing.
type Isolator struct {
	bases map[Category]string
}

// New returns an Isolator. Either base may be empty.
func New(debugDir, screenshotsDir string) *Isolator {
	bases := make(map[Category]string, 2)
	if debugDir != "" {
		bases[CategoryDebug] = debugDir
	}
	if screenshotsDir != "" {
		bases[CategoryScreenshots] = screenshotsDir
	}
	return &Isolator{bases: bases}
}

// Allocate creates a fresh, randomly named directory for each enabled
// category. The directory must not already exist.
func (i *Isolator) Allocate() (*Dirs, error) {
	d := &Dirs{roots: make(map[Category]string), created: make(map[string]bool)}
	if i == nil {
		return d, nil
	}
	for cat, base := range i.bases {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, fmt.Errorf("create %s base directory %s: %w", cat, base, err)
		}
		dir := filepath.Join(base, uuid.NewString())
		if err := os.Mkdir(dir, 0o755); err != nil {
			if errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("%s directory %s already exists", cat, dir)
			}
			return nil, fmt.Errorf("create %s directory: %w", cat, err)
		}
		d.roots[cat] = dir
	}
	return d, nil
}

// Dirs are the directories allocated to one request. Attempt and
// identity subdirectories are created by the first call that asks for
// them; repeated calls return the same path.
type Dirs struct {
	roots map[Category]string

	mu      sync.Mutex
	created map[string]bool
}

// Root returns the request directory for cat, or "" when disabled.
func (d *Dirs) Root(cat Category) string {
	if d == nil {
		return ""
	}
	return d.roots[cat]
}

// Attempt returns the directory private to attempt index for cat,
// creating it if needed. It returns "" when cat is disabled.
func (d *Dirs) Attempt(cat Category, index int) (string, error) {
	return d.sub(cat, "attempt-"+strconv.Itoa(index))
}

// Identity returns the directory for the identity probe.
func (d *Dirs) Identity(cat Category) (string, error) {
	return d.sub(cat, "identity")
}

func (d *Dirs) sub(cat Category, name string) (string, error) {
	root := d.Root(cat)
	if root == "" {
		return "", nil
	}
	dir := filepath.Join(root, name)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.created[dir] {
		return dir, nil
	}
	if err := os.Mkdir(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return "", fmt.Errorf("create %s directory %s: %w", cat, dir, err)
	}
	d.created[dir] = true
	return dir, nil
}

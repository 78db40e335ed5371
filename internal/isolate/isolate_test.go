package isolate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAllocate_Disabled(t *testing.T) {
	iso := New("", "")
	d, err := iso.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	dir, err := d.Attempt(CategoryDebug, 0)
	if err != nil || dir != "" {
		t.Errorf("Attempt() = %q, %v; want empty", dir, err)
	}
}

func TestAllocate_UniquePerRequest(t *testing.T) {
	base := filepath.Join(t.TempDir(), "debug")
	iso := New(base, "")

	a, err := iso.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	b, err := iso.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	ra, rb := a.Root(CategoryDebug), b.Root(CategoryDebug)
	if ra == "" || rb == "" || ra == rb {
		t.Fatalf("roots = %q, %q; want two distinct directories", ra, rb)
	}
	if filepath.Dir(ra) != base {
		t.Errorf("root %q not under %q", ra, base)
	}
	if st, err := os.Stat(ra); err != nil || !st.IsDir() {
		t.Errorf("root %q not created: %v", ra, err)
	}
	if b.Root(CategoryScreenshots) != "" {
		t.Error("screenshots allocated while disabled")
	}
}

func TestDirs_AttemptIsolation(t *testing.T) {
	iso := New(filepath.Join(t.TempDir(), "d"), filepath.Join(t.TempDir(), "s"))
	d, err := iso.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		for _, cat := range []Category{CategoryDebug, CategoryScreenshots} {
			dir, err := d.Attempt(cat, i)
			if err != nil {
				t.Fatalf("Attempt(%s, %d) error: %v", cat, i, err)
			}
			if seen[dir] {
				t.Errorf("directory %q handed out twice", dir)
			}
			seen[dir] = true
			if _, err := os.Stat(dir); err != nil {
				t.Errorf("Attempt dir %q not created: %v", dir, err)
			}
		}
	}

	again, err := d.Attempt(CategoryDebug, 1)
	if err != nil {
		t.Fatalf("second Attempt() error: %v", err)
	}
	if again != filepath.Join(d.Root(CategoryDebug), "attempt-1") {
		t.Errorf("Attempt() = %q, not stable", again)
	}

	id, err := d.Identity(CategoryDebug)
	if err != nil || filepath.Base(id) != "identity" {
		t.Errorf("Identity() = %q, %v", id, err)
	}
}

func TestAllocate_BaseIsFile(t *testing.T) {
	base := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(base, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(base, "").Allocate(); err == nil {
		t.Fatal("Allocate() should fail when base is a regular file")
	}
}

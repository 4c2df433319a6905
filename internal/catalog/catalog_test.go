package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListFiltersAndNames(t *testing.T) {
	c := newTestCatalog(t)
	touch(t, c.dir, "yolo_v8-nano.pt")
	touch(t, c.dir, "face.onnx")
	touch(t, c.dir, "notes.txt")
	touch(t, c.dir, "README.md")

	models, err := c.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d: %+v", len(models), models)
	}
	// Sorted by display name: "face" < "yolo v8 nano".
	if models[0].Name != "face" || models[1].Name != "yolo v8 nano" {
		t.Fatalf("names = %q, %q", models[0].Name, models[1].Name)
	}
	if models[0].ID == "" || models[0].ID == models[1].ID {
		t.Fatal("model ids must be distinct and non-empty")
	}
}

func TestListStableIDs(t *testing.T) {
	c := newTestCatalog(t)
	touch(t, c.dir, "yolo.pt")

	first, err := c.List()
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.List()
	if err != nil {
		t.Fatal(err)
	}
	if first[0].ID != second[0].ID {
		t.Fatalf("id not stable across scans: %s vs %s", first[0].ID, second[0].ID)
	}
}

func TestActiveRoundTrip(t *testing.T) {
	c := newTestCatalog(t)

	active, err := c.Active()
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Fatalf("expected no active models, got %+v", active)
	}

	want := []Model{{ID: "id-1", Name: "yolo", Path: "/models/yolo.pt"}}
	if err := c.SetActive(want); err != nil {
		t.Fatal(err)
	}
	got, err := c.Active()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("active = %+v", got)
	}
}

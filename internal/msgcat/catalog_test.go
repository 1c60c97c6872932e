package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedDefaults(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.Render("error.unknown_queue", map[string]string{"Queue": "blitz"})
	if err != nil || !strings.Contains(got, "blitz") {
		t.Fatalf("render: %q %v", got, err)
	}
	if _, err := c.Render("error.unknown_queue", map[string]string{}); err == nil {
		t.Fatalf("missing data key should fail")
	}
	if got := c.Text("no.such.key", nil); got != "no.such.key" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("error:\n  room_full: \"Full!\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Text("error.room_full", nil); got != "Full!" {
		t.Fatalf("override not applied: %q", got)
	}
	if got := c.Text("error.room_not_found", nil); got == "error.room_not_found" {
		t.Fatalf("defaults lost")
	}
}

func TestOverrideDuplicateKeys(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("error:\n  internal: x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := New(dir); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("want duplicate error, got %v", err)
	}
}

func TestRejectsNonStringLeaves(t *testing.T) {
	if _, err := parseYAMLToFlat([]byte("error:\n  code: 5\n")); err == nil {
		t.Fatalf("numeric leaf should fail")
	}
}

func TestEveryRequiredKeyRenders(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := map[string]string{"Queue": "q", "Name": "n"}
	for _, k := range Required {
		if got, err := c.Render(k, data); err != nil || got == "" {
			t.Fatalf("%s: %q %v", k, got, err)
		}
	}
}

func TestBrokenOverrideTemplateFailsLoad(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("notice:\n  kicked: \"{{.Name\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir); err == nil || !strings.Contains(err.Error(), "notice.kicked") {
		t.Fatalf("want template error naming the key, got %v", err)
	}
}

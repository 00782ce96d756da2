package filecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/inconshreveable/log15"
)

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := Create(dir, log15.New())
	if err != nil {
		t.Fatal(err)
	}
	return c, dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAddThenMem(t *testing.T) {
	c, dir := newTestCache(t)
	src := writeFile(t, dir, "src.txt", "hello")
	if c.Mem("k1") {
		t.Fatalf("key should not exist before Add")
	}
	if err := c.Add("k1", []string{"out.txt"}, []string{src}); err != nil {
		t.Fatal(err)
	}
	if !c.Mem("k1") {
		t.Fatalf("key should exist after Add")
	}
}

func TestAddReviveRoundTrip(t *testing.T) {
	c, dir := newTestCache(t)
	src := writeFile(t, dir, "src.txt", "payload-bytes")
	if err := c.Add("k1", []string{"out.txt"}, []string{src}); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "revived", "out.txt")
	ok, names, err := c.Revive("k1", map[string]string{"out.txt": dst})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected a cache hit")
	}
	if len(names) != 1 || names[0] != "out.txt" {
		t.Fatalf("unexpected manifest: %v", names)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload-bytes" {
		t.Fatalf("revived content mismatch: %q", got)
	}
}

func TestReviveMiss(t *testing.T) {
	c, _ := newTestCache(t)
	ok, _, err := c.Revive("nope", map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected a cache miss")
	}
}

func TestAddReplacesExistingKey(t *testing.T) {
	c, dir := newTestCache(t)
	src1 := writeFile(t, dir, "a.txt", "first")
	src2 := writeFile(t, dir, "b.txt", "second")
	if err := c.Add("k1", []string{"out.txt"}, []string{src1}); err != nil {
		t.Fatal(err)
	}
	if err := c.Add("k1", []string{"out.txt"}, []string{src2}); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "out.txt")
	ok, _, err := c.Revive("k1", map[string]string{"out.txt": dst})
	if err != nil || !ok {
		t.Fatalf("revive failed after replace: ok=%v err=%v", ok, err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "second" {
		t.Fatalf("expected replaced content, got %q", got)
	}
}

func TestFindDoesNotMaterialize(t *testing.T) {
	c, dir := newTestCache(t)
	src := writeFile(t, dir, "a.txt", "x")
	if err := c.Add("k1", []string{"a.txt"}, []string{src}); err != nil {
		t.Fatal(err)
	}
	names, ok, err := c.Find("k1")
	if err != nil || !ok {
		t.Fatalf("find failed: ok=%v err=%v", ok, err)
	}
	if len(names) != 1 || names[0] != "a.txt" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestDeleteAndStats(t *testing.T) {
	c, dir := newTestCache(t)
	src := writeFile(t, dir, "a.txt", "12345")
	if err := c.Add("k1", []string{"a.txt"}, []string{src}); err != nil {
		t.Fatal(err)
	}
	st, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 1 {
		t.Fatalf("expected 1 entry, got %d", st.Entries)
	}
	if err := c.Delete("k1"); err != nil {
		t.Fatal(err)
	}
	if c.Mem("k1") {
		t.Fatalf("key should be gone after Delete")
	}
	st, err = c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 0 {
		t.Fatalf("expected 0 entries after delete, got %d", st.Entries)
	}
}

func TestDeleteAll(t *testing.T) {
	c, dir := newTestCache(t)
	src := writeFile(t, dir, "a.txt", "x")
	c.Add("k1", []string{"a.txt"}, []string{src})
	c.Add("k2", []string{"a.txt"}, []string{src})
	if err := c.DeleteAll(); err != nil {
		t.Fatal(err)
	}
	st, _ := c.Stats()
	if st.Entries != 0 {
		t.Fatalf("expected all entries removed, got %d", st.Entries)
	}
}

func TestTrimEvictsLRU(t *testing.T) {
	c, dir := newTestCache(t)
	src := writeFile(t, dir, "a.txt", "0123456789")
	for _, k := range []string{"k1", "k2", "k3"} {
		if err := c.Add(k, []string{"a.txt"}, []string{src}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Trim(10, 100); err != nil {
		t.Fatal(err)
	}
	st, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries >= 3 {
		t.Fatalf("expected Trim to evict at least one entry, still have %d", st.Entries)
	}
}

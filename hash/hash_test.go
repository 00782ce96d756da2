package hash

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNilSentinel(t *testing.T) {
	var h Hash
	if !h.IsNil() {
		t.Fatalf("zero-value Hash should be nil")
	}
	if got := h.String(); got != "" {
		t.Fatalf("nil hash should stringify empty, got %q", got)
	}
}

func TestBytesDeterministic(t *testing.T) {
	a := Bytes(Default, []byte("hello"))
	b := Bytes(Default, []byte("hello"))
	if !a.Equal(b) {
		t.Fatalf("same input produced different hashes: %s != %s", a, b)
	}
	c := Bytes(Default, []byte("hellO"))
	if a.Equal(c) {
		t.Fatalf("different input produced the same hash")
	}
}

func TestStringMatchesBytes(t *testing.T) {
	a := Bytes(Default, []byte("some content"))
	b := String(Default, "some content")
	if !a.Equal(b) {
		t.Fatalf("String and Bytes disagree: %s != %s", a, b)
	}
}

func TestCombineOrderIndependent(t *testing.T) {
	p1 := Tagged("reads", []byte("a.txt"))
	p2 := Tagged("reads", []byte("b.txt"))
	p3 := Tagged("stamp", []byte("v1"))

	h1 := Combine(Default, p1, p2, p3)
	h2 := Combine(Default, p3, p2, p1)
	h3 := Combine(Default, p2, p1, p3)

	if !h1.Equal(h2) || !h1.Equal(h3) {
		t.Fatalf("Combine is not order-independent")
	}
}

func TestCombineNoBoundaryCollision(t *testing.T) {
	h1 := Combine(Default, []byte("ab"), []byte("c"))
	h2 := Combine(Default, []byte("a"), []byte("bc"))
	if h1.Equal(h2) {
		t.Fatalf("Combine collided across a part boundary")
	}
}

func TestFileHashesContent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(p, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	h, err := File(Default, p)
	if err != nil {
		t.Fatal(err)
	}
	want := Bytes(Default, []byte("payload"))
	if !h.Equal(want) {
		t.Fatalf("File hash mismatch")
	}
}

func TestFileMissing(t *testing.T) {
	if _, err := File(Default, "/nonexistent/path/does/not/exist"); err == nil {
		t.Fatalf("expected an error hashing a missing file")
	}
}

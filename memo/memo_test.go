package memo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/inconshreveable/log15"

	"github.com/polydawn/memo/executor"
	"github.com/polydawn/memo/filecache"
	"github.com/polydawn/memo/guard"
	"github.com/polydawn/memo/op"
	"github.com/polydawn/memo/reviver"
)

func newTestMemoizer(t *testing.T) (*Memoizer, string) {
	t.Helper()
	dir := t.TempDir()
	cache, err := filecache.Create(filepath.Join(dir, "cache"), log15.New())
	if err != nil {
		t.Fatal(err)
	}
	e, err := executor.New(4, dir, log15.New())
	if err != nil {
		t.Fatal(err)
	}
	r := reviver.New(cache, nil, log15.New())
	m := New(guard.New(), r, e, log15.New())
	return m, dir
}

func TestMkdirThenWriteThenReadRoundTrip(t *testing.T) {
	m, dir := newTestMemoizer(t)
	target := filepath.Join(dir, "work", "out.txt")

	m.Mkdir(filepath.Join(dir, "work"), 0755)
	m.Write(target, "s1", 0644, nil, func() ([]byte, error) {
		return []byte("payload"), nil
	})
	rf := m.Read(target)

	m.Stir(true)

	if err := m.Status(); err != nil {
		t.Fatalf("expected clean status, got %v", err)
	}
	if !rf.IsSettled() {
		t.Fatalf("expected read future to have settled")
	}
}

func TestWriteRevivesOnSecondMemoizer(t *testing.T) {
	dir := t.TempDir()
	cache, err := filecache.Create(filepath.Join(dir, "cache"), log15.New())
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "out.txt")

	build := func() *Memoizer {
		e, err := executor.New(4, dir, log15.New())
		if err != nil {
			t.Fatal(err)
		}
		r := reviver.New(cache, nil, log15.New())
		return New(guard.New(), r, e, log15.New())
	}

	calls := 0
	producer := func() ([]byte, error) {
		calls++
		return []byte("stable"), nil
	}

	m1 := build()
	f1 := m1.Write(target, "same-stamp", 0644, nil, producer)
	m1.Stir(true)
	if err := m1.Status(); err != nil {
		t.Fatal(err)
	}
	if !f1.IsSettled() {
		t.Fatalf("expected first write to settle")
	}
	if calls != 1 {
		t.Fatalf("expected producer to run once, ran %d times", calls)
	}

	os.Remove(target)

	m2 := build()
	f2 := m2.Write(target, "same-stamp", 0644, nil, producer)
	m2.Stir(true)
	if err := m2.Status(); err != nil {
		t.Fatal(err)
	}
	if !f2.IsSettled() {
		t.Fatalf("expected second write to settle")
	}
	if calls != 1 {
		t.Fatalf("expected revival to skip the producer, but it ran %d times", calls)
	}
	got, err := os.ReadFile(target)
	if err != nil || string(got) != "stable" {
		t.Fatalf("revived file content wrong: %q err=%v", got, err)
	}
}

func TestMissingReadFails(t *testing.T) {
	m, dir := newTestMemoizer(t)
	m.Write(filepath.Join(dir, "out.txt"), "s", 0644, []string{filepath.Join(dir, "nonexistent.h")}, func() ([]byte, error) {
		return []byte("x"), nil
	})
	m.FileReady(filepath.Join(dir, "nonexistent.h"))
	m.Stir(true)

	err := m.Status()
	if err == nil {
		t.Fatalf("expected Status to report a failure")
	}
	if _, ok := err.(*Failures); !ok {
		t.Fatalf("expected *Failures, got %T: %v", err, err)
	}
}

func TestMissingWriteCascadesAbort(t *testing.T) {
	m, dir := newTestMemoizer(t)
	aOut := filepath.Join(dir, "a.out")

	m.Spawn("/bin/sh", []string{"-c", "true"}, SpawnOpts{
		Writes: []string{aOut},
	})
	readFuture := m.Read(aOut)
	m.Stir(true)

	// The spawn's own continuation is discarded per the missing-writes
	// contract, so only the downstream read's abort is observable here.
	if !readFuture.IsSettled() {
		t.Fatalf("expected downstream read to settle (as aborted)")
	}

	err := m.Status()
	if _, ok := err.(*Failures); !ok {
		t.Fatalf("expected *Failures from missing write, got %T: %v", err, err)
	}
}

func TestFileReadyUnblocksWaitingRead(t *testing.T) {
	m, dir := newTestMemoizer(t)
	src := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(src, []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}

	rf := m.Read(src)
	m.FileReady(src)
	m.Stir(true)

	if err := m.Status(); err != nil {
		t.Fatal(err)
	}
	if !rf.IsSettled() {
		t.Fatalf("expected read future to settle once file_ready declared")
	}
}

func TestNeverBecameReadyReportsStalledFile(t *testing.T) {
	m, _ := newTestMemoizer(t)
	m.WaitFiles([]string{"/does/not/exist/ever.txt"})
	m.Stir(false)

	err := m.Status()
	nbr, ok := err.(*NeverBecameReady)
	if !ok {
		t.Fatalf("expected *NeverBecameReady, got %T: %v", err, err)
	}
	if len(nbr.Files) != 1 || nbr.Files[0] != "/does/not/exist/ever.txt" {
		t.Fatalf("unexpected stalled files: %v", nbr.Files)
	}
}

func TestCycleDetection(t *testing.T) {
	m, dir := newTestMemoizer(t)
	x := filepath.Join(dir, "x")
	y := filepath.Join(dir, "y")

	m.Spawn("/bin/sh", []string{"-c", "true"}, SpawnOpts{Reads: []string{y}, Writes: []string{x}})
	m.Spawn("/bin/sh", []string{"-c", "true"}, SpawnOpts{Reads: []string{x}, Writes: []string{y}})
	m.Stir(false)

	err := m.Status()
	if _, ok := err.(*Cycle); !ok {
		t.Fatalf("expected *Cycle, got %T: %v", err, err)
	}
}

func TestFailPropagatesAsNotifyAndSetsFailureFlag(t *testing.T) {
	m, dir := newTestMemoizer(t)
	target := filepath.Join(dir, "out.txt")
	m.Write(target, "s", 0644, nil, func() ([]byte, error) {
		return []byte("x"), nil
	})
	f := fiberSpawnFail(m)
	m.Stir(true)

	if f == nil {
		t.Fatalf("test setup error")
	}
	if err := m.Status(); err == nil {
		t.Fatalf("expected Fail to be reflected in aggregate status")
	}
}

// fiberSpawnFail tracks a Notify op and then calls Fail directly, outside
// any continuation, recovering the Fail sentinel itself.
func fiberSpawnFail(m *Memoizer) *op.Operation {
	o := op.NewNotify(op.Info, "about to fail")
	m.track(o)
	func() {
		defer func() { recover() }()
		m.Fail("synthetic failure for test")
	}()
	return o
}

func TestFailFromFiberBodyDoesNotAbortStir(t *testing.T) {
	m, dir := newTestMemoizer(t)
	target := filepath.Join(dir, "out.txt")
	f := m.Write(target, "s", 0644, nil, func() ([]byte, error) {
		return []byte("x"), nil
	})

	var afterFailRan bool
	m.fibers.Spawn(func() {
		m.Fail("synthetic failure raised from a fiber, not a continuation")
	})
	m.fibers.Spawn(func() { afterFailRan = true })

	m.Stir(true)

	if !f.IsSettled() {
		t.Fatalf("unrelated write should still complete despite the fiber failure")
	}
	if !afterFailRan {
		t.Fatalf("fiber queued after the failing one should still run: Stir must not abort on a fiber panic")
	}
	if err := m.Status(); err == nil {
		t.Fatalf("expected Fail raised from a fiber to still be reflected in aggregate status")
	}
}

func TestSpawnTreeDiscoversWrites(t *testing.T) {
	m, dir := newTestMemoizer(t)
	tree := filepath.Join(dir, "tree")
	script := "mkdir -p " + tree + " && echo a > " + filepath.Join(tree, "a.txt") + " && echo b > " + filepath.Join(tree, "b.txt")

	exitFuture := m.SpawnTree("/bin/sh", []string{"-c", script}, tree, SpawnOpts{})
	m.Stir(true)

	if err := m.Status(); err != nil {
		t.Fatalf("expected clean status, got %v", err)
	}
	if v, ok := exitFuture.Peek(); !ok || v.(int) != 0 {
		t.Fatalf("expected exit 0, got %v ok=%v", v, ok)
	}
	if _, err := os.Stat(filepath.Join(tree, "a.txt")); err != nil {
		t.Fatalf("expected a.txt to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tree, "b.txt")); err != nil {
		t.Fatalf("expected b.txt to exist: %v", err)
	}
}

func TestSpawnTreeRevivesOnSecondBuild(t *testing.T) {
	dir := t.TempDir()
	cache, err := filecache.Create(filepath.Join(dir, "cache"), log15.New())
	if err != nil {
		t.Fatal(err)
	}
	tree := filepath.Join(dir, "tree")
	scriptMarker := filepath.Join(dir, "ran")

	build := func() *Memoizer {
		e, err := executor.New(4, dir, log15.New())
		if err != nil {
			t.Fatal(err)
		}
		r := reviver.New(cache, nil, log15.New())
		return New(guard.New(), r, e, log15.New())
	}

	realScript := "mkdir -p " + filepath.Join(tree, "sub") +
		" && echo a > " + filepath.Join(tree, "a.txt") +
		" && echo b > " + filepath.Join(tree, "sub", "b.txt") +
		" && touch " + scriptMarker

	m1 := build()
	f1 := m1.SpawnTree("/bin/sh", []string{"-c", realScript}, tree, SpawnOpts{Stamp: "v1"})
	m1.Stir(true)
	if err := m1.Status(); err != nil {
		t.Fatal(err)
	}
	if v, ok := f1.Peek(); !ok || v.(int) != 0 {
		t.Fatalf("expected exit 0, got %v ok=%v", v, ok)
	}
	if _, err := os.Stat(scriptMarker); err != nil {
		t.Fatalf("expected the script to have actually run once: %v", err)
	}

	if err := os.RemoveAll(tree); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(scriptMarker); err != nil {
		t.Fatal(err)
	}

	m2 := build()
	f2 := m2.SpawnTree("/bin/sh", []string{"-c", realScript}, tree, SpawnOpts{Stamp: "v1"})
	m2.Stir(true)
	if err := m2.Status(); err != nil {
		t.Fatal(err)
	}
	if v, ok := f2.Peek(); !ok || v.(int) != 0 {
		t.Fatalf("expected exit 0 from revival, got %v ok=%v", v, ok)
	}
	if _, err := os.Stat(scriptMarker); err == nil {
		t.Fatalf("script must not have re-run on the second build; revival should have restored files instead")
	}

	gotA, err := os.ReadFile(filepath.Join(tree, "a.txt"))
	if err != nil || string(gotA) != "a\n" {
		t.Fatalf("expected a.txt to be revived with original content, got %q err=%v", gotA, err)
	}
	gotB, err := os.ReadFile(filepath.Join(tree, "sub", "b.txt"))
	if err != nil || string(gotB) != "b\n" {
		t.Fatalf("expected sub/b.txt to be revived with original content and directory structure, got %q err=%v", gotB, err)
	}
}

func TestFileNeverAbortsWaiters(t *testing.T) {
	m, dir := newTestMemoizer(t)
	missing := filepath.Join(dir, "missing.txt")

	rf := m.Read(missing)
	m.FileNever(missing)
	m.Stir(true)

	if !rf.IsSettled() {
		t.Fatalf("expected read future to settle after FileNever")
	}
	if _, ok := rf.Peek(); ok {
		t.Fatalf("expected FileNever to resolve the read as Never, not Det")
	}
}

func TestWithMarkTagsNewOps(t *testing.T) {
	m, dir := newTestMemoizer(t)
	sub := m.WithMark("phase-a")

	target := filepath.Join(dir, "marked.txt")
	sub.Write(target, "s", 0644, nil, func() ([]byte, error) {
		return []byte("x"), nil
	})
	m.Stir(true)

	if err := m.Status(); err != nil {
		t.Fatal(err)
	}
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	found := false
	for _, o := range m.state.ops {
		if o.Mark == "phase-a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an op tagged with the sub-memoizer's mark")
	}
}

/*
	Package memo implements the memoizer: the top-level driver that
	weaves the guard, the reviver, the executor, and a cooperative fiber
	queue into a single "stir" loop, and exposes the public operation
	verbs (Read, Write, Copy, Mkdir, Delete, WaitFiles, Notify, Fail,
	Spawn) that client code and fibers call to submit work.

	The loop itself follows the same shape as repeatr's job-supervising
	actors (see actors/foreman): pull one unit of allowed work, run it or
	hand it to a bounded executor, drain completions, then drain anything
	that became runnable as a result, until every source goes quiet.
*/
package memo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/polydawn/memo/executor"
	"github.com/polydawn/memo/fiber"
	"github.com/polydawn/memo/guard"
	"github.com/polydawn/memo/op"
	"github.com/polydawn/memo/reviver"
)

// memoState is the mutable ledger a Memoizer and every mark-tagged view
// derived from it (WithMark/Fork) share by pointer, so that ops created
// under any mark land in the same id sequence and the same Status()
// accounting -- there is only ever one build, one stir loop, per spec §5.
type memoState struct {
	mu         sync.Mutex
	nextID     op.ID
	ops        []*op.Operation
	readyRoots map[string]struct{}
	hasFailure bool
}

// Memoizer drives a single build: it owns the guard, reviver, executor,
// and fiber queue, and is the sole mutator of every Operation it creates.
//
// All exported methods except Stir are meant to be called either from
// client code before the first Stir, or from within fibers running on
// the driver goroutine; Stir itself must never be called concurrently
// with anything else touching this Memoizer, per spec §5's single-driver
// contract.
type Memoizer struct {
	mark Mark

	guard   *guard.Guard
	reviver *reviver.Reviver
	exec    *executor.Executor
	fibers  *fiber.Queue
	log     log15.Logger

	state *memoState
}

// Mark is a diagnostic grouping label; see WithMark and Fork.
type Mark = op.Mark

// New returns a Memoizer ready to accept operations.
func New(g *guard.Guard, r *reviver.Reviver, e *executor.Executor, log log15.Logger) *Memoizer {
	return &Memoizer{
		guard:   g,
		reviver: r,
		exec:    e,
		fibers:  fiber.NewQueue(),
		log:     log,
		state: &memoState{
			readyRoots: make(map[string]struct{}),
		},
	}
}

// WithMark returns a shallow copy of m that tags every operation it
// creates with mark, while sharing the same guard, reviver, executor,
// fiber queue, and mutable ledger (state) as m -- not a value copy of it.
// It gives a group of operations its own diagnostic label without a
// second stir loop. The store package does not use it: store.Get runs
// its initializer directly.
func (m *Memoizer) WithMark(mark Mark) *Memoizer {
	return &Memoizer{
		mark:    mark,
		guard:   m.guard,
		reviver: m.reviver,
		exec:    m.exec,
		fibers:  m.fibers,
		log:     m.log,
		state:   m.state,
	}
}

// Fork is an alias for WithMark kept for callers that think of it as
// spawning an isolated sub-memoizer rather than relabeling an existing
// one; the two share all mutable state identically.
func (m *Memoizer) Fork(mark Mark) *Memoizer { return m.WithMark(mark) }

func (m *Memoizer) nextOpID() op.ID {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.nextID++
	return m.state.nextID
}

func (m *Memoizer) track(o *op.Operation) {
	o.ID = m.nextOpID()
	o.Mark = m.mark
	o.Created = time.Now()
	m.state.mu.Lock()
	m.state.ops = append(m.state.ops, o)
	m.state.mu.Unlock()
	m.guard.Add(o)
}

// Read reads file in whole once it's ready, returning a future of its
// bytes.
func (m *Memoizer) Read(file string) *fiber.Future {
	f := fiber.NewFuture(m.fibers)
	o := op.NewRead(file, func(o *op.Operation) {
		if o.Status == op.Aborted {
			f.SetNever()
			return
		}
		f.Set(o.Read.Output)
	})
	m.track(o)
	return f
}

// Write schedules a Write operation: producer is invoked (unless the op
// is revived) to compute the bytes written to target. extraReads are
// additional inputs the producer depends on. stamp participates in the
// cache key so that logically distinct writers of the same target don't
// collide.
func (m *Memoizer) Write(target, stamp string, mode os.FileMode, extraReads []string, producer func() ([]byte, error)) *fiber.Future {
	f := fiber.NewFuture(m.fibers)
	o := op.NewWrite(target, stamp, mode, extraReads, producer, func(o *op.Operation) {
		if o.Status != op.Done {
			f.SetNever()
			return
		}
		f.Set(struct{}{})
	})
	m.track(o)
	return f
}

// Copy schedules a Copy operation from src to dst.
func (m *Memoizer) Copy(src, dst string, mode os.FileMode, lineNumPrefix bool) *fiber.Future {
	f := fiber.NewFuture(m.fibers)
	o := op.NewCopy(src, dst, mode, lineNumPrefix, func(o *op.Operation) {
		if o.Status != op.Done {
			f.SetNever()
			return
		}
		f.Set(struct{}{})
	})
	m.track(o)
	return f
}

// Mkdir schedules a Mkdir operation.
func (m *Memoizer) Mkdir(dir string, mode os.FileMode) *fiber.Future {
	f := fiber.NewFuture(m.fibers)
	o := op.NewMkdir(dir, mode, func(o *op.Operation) {
		if o.Status != op.Done {
			f.SetNever()
			return
		}
		f.Set(struct{}{})
	})
	m.track(o)
	return f
}

// Delete schedules a Delete operation.
func (m *Memoizer) Delete(path string) *fiber.Future {
	f := fiber.NewFuture(m.fibers)
	o := op.NewDelete(path, func(o *op.Operation) {
		if o.Status != op.Done {
			f.SetNever()
			return
		}
		f.Set(struct{}{})
	})
	m.track(o)
	return f
}

// WaitFiles blocks its continuation until every listed file is Ready (or
// aborts if any goes Never).
func (m *Memoizer) WaitFiles(files []string) *fiber.Future {
	f := fiber.NewFuture(m.fibers)
	o := op.NewWaitFiles(files, func(o *op.Operation) {
		if o.Status == op.Aborted {
			f.SetNever()
			return
		}
		f.Set(struct{}{})
	})
	m.track(o)
	return f
}

// Notify emits a diagnostic message through the logging feedback
// channel. Notify never fails and is never cache-eligible.
func (m *Memoizer) Notify(level op.NotifyLevel, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	o := op.NewNotify(level, msg)
	m.track(o)
	m.logNotify(level, msg)
}

func (m *Memoizer) logNotify(level op.NotifyLevel, msg string) {
	if m.log == nil {
		return
	}
	switch level {
	case op.Warn:
		m.log.Warn(msg)
	case op.FailLevel:
		m.log.Error(msg)
	default:
		m.log.Info(msg)
	}
}

// Fail records a Notify(Fail) op and throws the Fail sentinel out of the
// calling continuation. It must be recovered only at the
// fiber/continuation boundary Stir runs continuations through.
func (m *Memoizer) Fail(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	o := op.NewNotify(op.FailLevel, msg)
	m.track(o)
	m.logNotify(op.FailLevel, msg)
	m.state.mu.Lock()
	m.state.hasFailure = true
	m.state.mu.Unlock()
	panic(fiber.FailSignal{Mark: string(m.mark), Message: msg})
}

// SpawnOpts configures a Spawn operation; zero values mean "use the
// default" as documented per-field.
type SpawnOpts struct {
	Stamp         string
	Reads         []string
	Writes        []string
	Vars          map[string]string
	UnstampedVars map[string]string
	Cwd           string
	Stdin         string
	Stdout        string
	Stderr        string
	SuccessExits  map[int]struct{}
	PostExec      func(*op.Operation) error

	// WritesRoot is set internally by SpawnTree; callers of Spawn should
	// leave it empty.
	WritesRoot string
}

// Spawn runs tool with args as a child process once its reads are ready,
// returning a future of its exit code.
func (m *Memoizer) Spawn(tool string, args []string, opts SpawnOpts) *fiber.Future {
	f := fiber.NewFuture(m.fibers)
	payload := &op.SpawnPayload{
		Tool:          tool,
		Args:          args,
		Vars:          opts.Vars,
		UnstampedVars: opts.UnstampedVars,
		Cwd:           opts.Cwd,
		Stamp:         opts.Stamp,
		Stdin:         opts.Stdin,
		Stdout:        opts.Stdout,
		Stderr:        opts.Stderr,
		SuccessExits:  opts.SuccessExits,
		PostExec:      opts.PostExec,
		WritesRoot:    opts.WritesRoot,
	}
	o := op.NewSpawn(payload, opts.Reads, opts.Writes, func(o *op.Operation) {
		if o.Status != op.Done {
			f.SetNever()
			return
		}
		f.Set(o.Spawn.ExitCode)
	})
	m.track(o)
	return f
}

// SpawnTree is spawn' from spec §4.4: like Spawn, but writes defaults to
// every file found under writesRoot after the process exits, discovered
// by a post-exec walk and installed onto the operation before the
// reviver considers recording it.
//
// The manifest root is taken as given, not normalized relative to cwd;
// callers that want cwd-relative caching stability should pass an
// absolute path built from cwd themselves.
func (m *Memoizer) SpawnTree(tool string, args []string, writesRoot string, opts SpawnOpts) *fiber.Future {
	opts.WritesRoot = writesRoot
	userPostExec := opts.PostExec
	opts.PostExec = func(o *op.Operation) error {
		writes, err := walkFiles(writesRoot)
		if err != nil {
			return err
		}
		set := make(map[string]struct{}, len(writes))
		for _, w := range writes {
			set[w] = struct{}{}
		}
		o.Writes = set
		if userPostExec != nil {
			return userPostExec(o)
		}
		return nil
	}
	return m.Spawn(tool, args, opts)
}

func walkFiles(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return out, err
}

// FileReady declares a pre-existing input file available, tracking it in
// ready_roots so cycle/never-ready diagnosis knows it was never supposed
// to be produced by an operation.
func (m *Memoizer) FileReady(path string) {
	m.state.mu.Lock()
	m.state.readyRoots[path] = struct{}{}
	m.state.mu.Unlock()
	m.guard.SetFileReady(path)
}

// FileNever declares path will never become ready, aborting anything
// waiting on it.
func (m *Memoizer) FileNever(path string) {
	m.guard.SetFileNever(path)
}

// Stir drives the loop until idle. If block is true, then whenever the
// guard has nothing allowed and an operation is in flight, it blocks on
// the executor for the next completion before it tries the fiber queue,
// per spec §4.5 step 2; otherwise it returns as soon as no source has
// immediately-available work.
func (m *Memoizer) Stir(block bool) {
	for {
		if o, ok := m.guard.Allowed(); ok {
			m.admit(o)
			continue
		}
		if o, ok := m.exec.Collect(block && m.exec.InFlight() > 0); ok {
			m.finish(o)
			continue
		}
		if m.fibers.RunOneSafe(func(r interface{}) {
			if _, ok := fiber.IsFailSignal(r); ok {
				return
			}
			m.reportUnexpectedPanic(fmt.Sprintf("unexpected panic in fiber: %v", r))
		}) {
			continue
		}
		return
	}
}

// admit is step 1 of the stir loop: hash, try revival, or hand to the
// executor.
func (m *Memoizer) admit(o *op.Operation) {
	if o.Status == op.Aborted {
		m.runContinuation(o)
		return
	}
	if o.Variant == op.VWaitFiles || o.Variant == op.VNotify {
		// Guard already confirmed every read is Ready (or the op
		// wouldn't be Allowed); neither variant does real I/O, so
		// there's nothing for the executor to do.
		o.Status = op.Done
		m.runContinuation(o)
		return
	}
	if !o.Variant.CacheEligible() {
		m.exec.Schedule(o)
		return
	}
	if fk := m.reviver.HashOp(o); fk != nil {
		o.Status = op.Failed
		o.Failure = fk
		m.finish(o)
		return
	}
	if m.reviver.Revive(o) {
		m.finish(o)
		return
	}
	m.exec.Schedule(o)
}

// finish is steps 3-4: an operation reached a terminal state, either via
// revival or via the executor.
func (m *Memoizer) finish(o *op.Operation) {
	if o.Status == op.Failed || o.Status == op.Aborted {
		m.markFailed(o)
		for _, w := range o.SortedWrites() {
			m.guard.SetFileNever(w)
		}
		m.runContinuation(o)
		return
	}

	missing := reviver.VerifyWrites(o)
	if len(missing) > 0 {
		o.Status = op.Failed
		o.Failure = op.MissingWrites(missing)
		m.markFailed(o)
		for _, w := range o.SortedWrites() {
			m.guard.SetFileNever(w)
		}
		// discard the continuation per spec §4.5 step 3.
		return
	}

	if !o.Revived {
		if _, err := m.reviver.Record(o); err != nil && m.log != nil {
			m.log.Warn("cache record failed", "op", o.ID, "error", err)
		}
	}
	for _, w := range o.SortedWrites() {
		m.guard.SetFileReady(w)
	}
	m.runContinuation(o)
}

func (m *Memoizer) markFailed(o *op.Operation) {
	m.state.mu.Lock()
	m.state.hasFailure = true
	m.state.mu.Unlock()
}

// reportUnexpectedPanic records msg as a Notify(Fail) op and flags the
// build as failed. Used for panics recovered from continuations and
// fiber bodies alike -- neither is allowed to escape and abort the
// driver loop itself, per spec §4.6/§7's continuation sandboxing.
func (m *Memoizer) reportUnexpectedPanic(msg string) {
	m.state.mu.Lock()
	m.state.hasFailure = true
	m.state.mu.Unlock()
	m.track(op.NewNotify(op.FailLevel, msg))
	m.logNotify(op.FailLevel, msg)
}

// runContinuation invokes o.K, catching the Fail sentinel (already
// recorded as a Notify by Fail itself) and reporting any other panic as
// a Notify(Fail) op so the build can keep accumulating diagnostics.
func (m *Memoizer) runContinuation(o *op.Operation) {
	if o.K == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if _, ok := fiber.IsFailSignal(r); ok {
				return
			}
			m.reportUnexpectedPanic(fmt.Sprintf("unexpected panic in continuation for op %d: %v", o.ID, r))
		}
	}()
	o.K(o)
}

// StatusErr is the aggregate result of Status(): nil for a clean build,
// or one of Failures, NeverBecameReady, Cycle otherwise.
type StatusErr interface {
	error
	statusErr()
}

// Failures reports that at least one operation reached Failed.
type Failures struct {
	Ops []*op.Operation
}

func (f *Failures) Error() string {
	if len(f.Ops) == 0 {
		return "memo: build reported a failure"
	}
	return fmt.Sprintf("memo: %d operation(s) failed", len(f.Ops))
}
func (*Failures) statusErr() {}

// NeverBecameReady reports files that stalled operations were waiting on
// but that were neither declared file-ready nor produced by any op.
type NeverBecameReady struct {
	Files []string
}

func (n *NeverBecameReady) Error() string {
	return fmt.Sprintf("memo: %d file(s) never became ready: %v", len(n.Files), n.Files)
}
func (*NeverBecameReady) statusErr() {}

// Cycle reports a minimal cycle detected in the stalled read/write
// dependency graph.
type Cycle struct {
	Ops []*op.Operation
}

func (c *Cycle) Error() string {
	return fmt.Sprintf("memo: dependency cycle among %d operation(s)", len(c.Ops))
}
func (*Cycle) statusErr() {}

// Status reports Ok (nil) or an aggregate error describing why the
// build didn't fully complete.
func (m *Memoizer) Status() error {
	m.state.mu.Lock()
	hasFailure := m.state.hasFailure
	ops := append([]*op.Operation(nil), m.state.ops...)
	roots := make(map[string]struct{}, len(m.state.readyRoots))
	for k := range m.state.readyRoots {
		roots[k] = struct{}{}
	}
	m.state.mu.Unlock()

	if hasFailure {
		// has_failures also covers Fail() calls and panics recovered
		// from continuations, neither of which mark any operation
		// itself Failed -- so report whatever Failed ops exist, even
		// if none do.
		var failed []*op.Operation
		for _, o := range ops {
			if o.Status == op.Failed {
				failed = append(failed, o)
			}
		}
		return &Failures{Ops: failed}
	}

	var pending []*op.Operation
	for _, o := range ops {
		if o.Status == op.Waiting {
			pending = append(pending, o)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	// Every pending op is blocked on at least one unmet read. Any such
	// read that is neither a ready_root nor ever going to be written by
	// another pending op is a stalled external dependency.
	writtenByPending := make(map[string]struct{})
	for _, o := range pending {
		for w := range o.Writes {
			writtenByPending[w] = struct{}{}
		}
	}

	var stalledFiles []string
	stalledSeen := make(map[string]struct{})
	for _, o := range pending {
		for _, r := range o.SortedReads() {
			if m.guard.FileState(r) == guard.Ready {
				continue
			}
			if _, isRoot := roots[r]; isRoot {
				continue
			}
			if _, willBeWritten := writtenByPending[r]; willBeWritten {
				continue
			}
			if _, seen := stalledSeen[r]; !seen {
				stalledSeen[r] = struct{}{}
				stalledFiles = append(stalledFiles, r)
			}
		}
	}
	if len(stalledFiles) > 0 {
		return &NeverBecameReady{Files: stalledFiles}
	}

	// Everything remaining reads only things pending ops will write:
	// a cycle in the read->write graph. Report the minimal cycle by
	// walking from any one pending op along its unmet-read producer
	// edges until a repeat is found.
	writerOf := make(map[string]*op.Operation, len(pending))
	for _, o := range pending {
		for w := range o.Writes {
			writerOf[w] = o
		}
	}
	cycle := findCycle(pending[0], writerOf)
	if cycle == nil {
		cycle = pending
	}
	return &Cycle{Ops: cycle}
}

func findCycle(start *op.Operation, writerOf map[string]*op.Operation) []*op.Operation {
	visited := map[*op.Operation]int{}
	path := []*op.Operation{}
	cur := start
	for {
		if idx, seen := visited[cur]; seen {
			return path[idx:]
		}
		visited[cur] = len(path)
		path = append(path, cur)
		var next *op.Operation
		for _, r := range cur.SortedReads() {
			if w, ok := writerOf[r]; ok {
				next = w
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
}

/*
	Package executor runs the filesystem and process-spawn side of an
	operation once the guard has allowed it and the reviver has missed:
	it bounds how many jobs run concurrently with a weighted semaphore
	(the same primitive vecgo's resource controller uses to cap
	background workers), and hands completed operations back to the
	memoizer's stir loop one at a time through Collect.

	Deletions are special-cased: they're moved into a trash directory
	immediately (fast, synchronous) and the actual removal happens on a
	background goroutine, mirroring how repeatr's cachedir commit path
	favors a rename over an in-place mutation for anything that must
	look atomic to a concurrent reader.
*/
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/inconshreveable/log15"
	"golang.org/x/sync/semaphore"

	"github.com/polydawn/memo/lib/guid"
	"github.com/polydawn/memo/op"
)

// Executor runs cache-missed operations with at most Jobs concurrent in
// flight.
type Executor struct {
	sem      *semaphore.Weighted
	trashDir string
	log      log15.Logger

	mu       sync.Mutex
	inFlight int
	done     chan *op.Operation

	ctx    context.Context
	cancel context.CancelFunc

	trashWG sync.WaitGroup
}

// New returns an Executor that runs at most jobs operations concurrently,
// staging deletions into a trash directory under trashRoot before purging
// them in the background.
func New(jobs int64, trashRoot string, log log15.Logger) (*Executor, error) {
	if jobs <= 0 {
		jobs = 1
	}
	trashDir := filepath.Join(trashRoot, "trash")
	if err := os.MkdirAll(trashDir, 0755); err != nil {
		return nil, fmt.Errorf("executor: creating trash dir: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		sem:      semaphore.NewWeighted(jobs),
		trashDir: trashDir,
		log:      log,
		done:     make(chan *op.Operation, 64),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Schedule enqueues o to run as soon as a job slot is free. It returns
// immediately; completion surfaces later via Collect.
func (e *Executor) Schedule(o *op.Operation) {
	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()

	go func() {
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			o.Status = op.Aborted
			e.finish(o)
			return
		}
		defer e.sem.Release(1)

		select {
		case <-e.ctx.Done():
			o.Status = op.Aborted
			e.finish(o)
			return
		default:
		}

		e.run(o)
		e.finish(o)
	}()
}

func (e *Executor) finish(o *op.Operation) {
	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()
	e.done <- o
}

// Collect returns one completed operation if available. If block is true
// and any operation is still in flight, it waits for the next
// completion; otherwise it returns (nil, false) immediately when nothing
// is ready.
func (e *Executor) Collect(block bool) (*op.Operation, bool) {
	if block {
		if e.InFlight() == 0 && len(e.done) == 0 {
			return nil, false
		}
		o := <-e.done
		return o, true
	}
	select {
	case o := <-e.done:
		return o, true
	default:
		return nil, false
	}
}

// InFlight reports how many operations are currently running or queued
// to run.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// Idle reports whether the executor has no in-flight work and no
// unclaimed completions waiting in Collect's buffer.
func (e *Executor) Idle() bool {
	return e.InFlight() == 0 && len(e.done) == 0
}

// Wait blocks the caller (not the driver loop) until every scheduled
// deletion has been purged from the trash directory. Useful for tests
// and for a clean shutdown path.
func (e *Executor) Wait() {
	e.trashWG.Wait()
}

// Abort cancels every in-flight and future operation: newly-scheduled and
// still-queued ops complete as Aborted without running, and an
// already-running child process is killed through its command context,
// so its spawn op completes as Failed.
func (e *Executor) Abort() {
	e.cancel()
}

func (e *Executor) run(o *op.Operation) {
	var err error
	switch o.Variant {
	case op.VRead:
		err = e.runRead(o)
	case op.VWrite:
		err = e.runWrite(o)
	case op.VCopy:
		err = e.runCopy(o)
	case op.VMkdir:
		err = e.runMkdir(o)
	case op.VDelete:
		err = e.runDelete(o)
	case op.VSpawn:
		err = e.runSpawn(o)
	}
	if err != nil {
		o.Status = op.Failed
		o.Failure = op.ExecFailure(err.Error())
		return
	}
	o.Status = op.Done
}

func (e *Executor) runRead(o *op.Operation) error {
	b, err := os.ReadFile(o.Read.File)
	if err != nil {
		return err
	}
	o.Read.Output = b
	return nil
}

func (e *Executor) runWrite(o *op.Operation) error {
	w := o.Write
	b, err := w.Producer()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(w.Target), 0755); err != nil {
		return err
	}
	return os.WriteFile(w.Target, b, w.Mode)
}

func (e *Executor) runCopy(o *op.Operation) error {
	c := o.Copy
	if err := os.MkdirAll(filepath.Dir(c.Dst), 0755); err != nil {
		return err
	}
	src, err := os.Open(c.Src)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(c.Dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, c.Mode)
	if err != nil {
		return err
	}
	defer dst.Close()

	if !c.LineNumPrefix {
		_, err = io.Copy(dst, src)
		return err
	}
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	w := bufio.NewWriter(dst)
	n := 1
	for scanner.Scan() {
		if _, err := fmt.Fprintf(w, "%6d\t%s\n", n, scanner.Text()); err != nil {
			return err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func (e *Executor) runMkdir(o *op.Operation) error {
	return os.MkdirAll(o.Mkdir.Dir, o.Mkdir.Mode)
}

func (e *Executor) runDelete(o *op.Operation) error {
	path := o.Delete.Path
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	staged := filepath.Join(e.trashDir, guid.New())
	if err := os.Rename(path, staged); err != nil {
		return err
	}
	e.trashWG.Add(1)
	go func() {
		defer e.trashWG.Done()
		if err := os.RemoveAll(staged); err != nil && e.log != nil {
			e.log.Warn("trash purge failed", "path", staged, "error", err)
		}
	}()
	return nil
}

func (e *Executor) runSpawn(o *op.Operation) error {
	s := o.Spawn
	cmd := exec.CommandContext(e.ctx, s.Tool, s.Args...)
	cmd.Dir = s.Cwd

	env := make([]string, 0, len(s.Vars)+len(s.UnstampedVars))
	for k, v := range s.Vars {
		env = append(env, k+"="+v)
	}
	for k, v := range s.UnstampedVars {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	if s.Stdin != "" {
		f, err := os.Open(s.Stdin)
		if err != nil {
			return err
		}
		defer f.Close()
		cmd.Stdin = f
	}
	if s.Stdout != "" {
		if err := os.MkdirAll(filepath.Dir(s.Stdout), 0755); err != nil {
			return err
		}
		f, err := os.Create(s.Stdout)
		if err != nil {
			return err
		}
		defer f.Close()
		cmd.Stdout = f
	}
	if s.Stderr != "" {
		if err := os.MkdirAll(filepath.Dir(s.Stderr), 0755); err != nil {
			return err
		}
		f, err := os.Create(s.Stderr)
		if err != nil {
			return err
		}
		defer f.Close()
		cmd.Stderr = f
	}

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return runErr
		}
	}
	s.ExitCode = exitCode

	if !exitSucceeded(s, exitCode) {
		return fmt.Errorf("spawn %s exited %d", s.Tool, exitCode)
	}
	if s.PostExec != nil {
		if err := s.PostExec(o); err != nil {
			return err
		}
	}
	return nil
}

func exitSucceeded(s *op.SpawnPayload, code int) bool {
	if len(s.SuccessExits) == 0 {
		return code == 0
	}
	_, ok := s.SuccessExits[code]
	return ok
}

/*
	Package op defines the operation algebra: the declarative record of
	build work that client code submits to the memoizer, plus its variant
	payloads and lifecycle status.

	Operations are plain data. All state transitions (status, hash,
	revived, writes-became-ready) are performed by the memoizer that owns
	the operation; op itself holds no back-pointers and no behavior beyond
	small accessors, matching how repeatr keeps its Formula a plain record
	independent of the executor that runs it (see def.Formula).
*/
package op

import (
	"os"
	"time"

	"github.com/polydawn/memo/hash"
)

// ID is a dense integer assigned monotonically by the owning memoizer.
type ID uint64

// Mark is a free-form grouping string attached to an operation for
// diagnostics and for sub-memoizer isolation (see the memo package's
// Fork/WithMark).
type Mark string

// Status is where an operation stands in its lifecycle.
type Status int

const (
	Waiting Status = iota
	Aborted
	Done
	Failed
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Aborted:
		return "aborted"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureTag enumerates the ways an operation can fail, per spec §7.
type FailureTag int

const (
	FailExec FailureTag = iota
	FailMissingReads
	FailMissingWrites
)

// FailureKind is the structured reason an operation ended in Failed.
type FailureKind struct {
	Tag   FailureTag
	Msg   string   // set for FailExec
	Paths []string // set for FailMissingReads / FailMissingWrites
}

func ExecFailure(msg string) *FailureKind {
	return &FailureKind{Tag: FailExec, Msg: msg}
}

func MissingReads(paths []string) *FailureKind {
	return &FailureKind{Tag: FailMissingReads, Paths: append([]string(nil), paths...)}
}

func MissingWrites(paths []string) *FailureKind {
	return &FailureKind{Tag: FailMissingWrites, Paths: append([]string(nil), paths...)}
}

func (f *FailureKind) Error() string {
	switch f.Tag {
	case FailMissingReads:
		return "missing reads: " + joinPaths(f.Paths)
	case FailMissingWrites:
		return "missing writes: " + joinPaths(f.Paths)
	default:
		return f.Msg
	}
}

func joinPaths(paths []string) string {
	out := ""
	for i, p := range paths {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// Variant identifies which payload an Operation carries.
type Variant int

const (
	VRead Variant = iota
	VWrite
	VCopy
	VMkdir
	VDelete
	VWaitFiles
	VNotify
	VSpawn
)

func (v Variant) String() string {
	switch v {
	case VRead:
		return "read"
	case VWrite:
		return "write"
	case VCopy:
		return "copy"
	case VMkdir:
		return "mkdir"
	case VDelete:
		return "delete"
	case VWaitFiles:
		return "wait_files"
	case VNotify:
		return "notify"
	case VSpawn:
		return "spawn"
	default:
		return "unknown"
	}
}

// CacheEligible reports whether operations of this variant may be hashed,
// revived, and recorded (spec §4.3: only Spawn, Write, Copy, Mkdir are).
func (v Variant) CacheEligible() bool {
	switch v {
	case VWrite, VCopy, VMkdir, VSpawn:
		return true
	default:
		return false
	}
}

// NotifyLevel is the severity of a Notify operation.
type NotifyLevel int

const (
	Info NotifyLevel = iota
	Warn
	FailLevel
)

// ReadPayload reads one file's content into memory for the continuation.
type ReadPayload struct {
	File   string
	Output []byte
}

// WritePayload computes bytes with Producer (skipped on revival) and
// writes them to Target.
type WritePayload struct {
	Stamp    string // arbitrary cache-busting tag, part of the hash
	Mode     os.FileMode
	Target   string
	Producer func() ([]byte, error)
}

// CopyPayload copies Src to Dst, optionally prefixing each line with its
// line number (useful for merging logs deterministically).
type CopyPayload struct {
	Src           string
	Dst           string
	Mode          os.FileMode
	LineNumPrefix bool
}

// MkdirPayload creates Dir (and parents) with Mode.
type MkdirPayload struct {
	Dir  string
	Mode os.FileMode
}

// DeletePayload removes Path (via the executor's trash mechanism).
type DeletePayload struct {
	Path string
}

// WaitFilesPayload blocks its continuation until every listed file is
// tracked Ready (or aborts if any goes Never). It performs no I/O of its
// own; the guard alone gates it.
type WaitFilesPayload struct {
	Files []string
}

// NotifyPayload emits a diagnostic message through the feedback channel.
// Notify never fails and is never cache-eligible.
type NotifyPayload struct {
	Level   NotifyLevel
	Message string
}

// SpawnPayload runs a child process. Vars are "stamped" (part of the
// operation hash); UnstampedVars are passed to the child but excluded
// from hashing (TMPDIR and friends, per spec §6).
type SpawnPayload struct {
	Tool          string
	Args          []string
	Vars          map[string]string
	UnstampedVars map[string]string
	Cwd           string
	Stamp         string // arbitrary cache-busting tag, part of the hash

	Stdin  string // path to a file to feed as stdin; "" for none
	Stdout string // path to capture stdout into; "" discards
	Stderr string // path to capture stderr into; "" discards

	SuccessExits map[int]struct{} // exit codes considered success; empty means {0}

	// PostExec runs after the child exits and before the reviver
	// considers recording the op. It may mutate Writes (used by
	// spawn' / SpawnTree to install a post-hoc-discovered write set).
	PostExec func(*Operation) error

	// WritesRoot is set by SpawnTree (spawn') to the directory its
	// post-exec walk discovers writes under. A non-empty WritesRoot
	// tells the reviver to key manifest entries by path relative to it
	// (instead of by basename) and, on a cache hit, to reconstruct the
	// write set from the stored manifest before anything has executed --
	// spawn' never declares its writes up front, so there is nothing
	// else to revive them from.
	WritesRoot string

	ExitCode int // captured after execution
}

// Operation is a declarative unit of build work with reads, writes, and a
// continuation. The memoizer is the only code permitted to mutate
// Status, Hash, Revived, or Writes after creation.
type Operation struct {
	ID      ID
	Mark    Mark
	Created time.Time

	Status  Status
	Failure *FailureKind
	Hash    hash.Hash
	Revived bool

	Reads  map[string]struct{}
	Writes map[string]struct{}

	Variant   Variant
	Read      *ReadPayload
	Write     *WritePayload
	Copy      *CopyPayload
	Mkdir     *MkdirPayload
	Delete    *DeletePayload
	WaitFiles *WaitFilesPayload
	Notify    *NotifyPayload
	Spawn     *SpawnPayload

	// K is invoked once the operation reaches Done, Aborted, or Failed;
	// for an op that ends Failed with missing writes it is discarded and
	// not invoked. Spawn's continuation receives the exit code via
	// Spawn.ExitCode.
	K func(*Operation)
}

func sset(paths ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p != "" {
			m[p] = struct{}{}
		}
	}
	return m
}

// NewRead constructs a Read operation over file, reading it in whole.
func NewRead(file string, k func(*Operation)) *Operation {
	return &Operation{
		Variant: VRead,
		Reads:   sset(file),
		Writes:  sset(),
		Read:    &ReadPayload{File: file},
		K:       k,
	}
}

// NewWrite constructs a Write operation. extraReads are additional files
// the producer depends on (beyond the target itself, which is a write,
// not a read).
func NewWrite(target string, stamp string, mode os.FileMode, extraReads []string, producer func() ([]byte, error), k func(*Operation)) *Operation {
	return &Operation{
		Variant: VWrite,
		Reads:   sset(extraReads...),
		Writes:  sset(target),
		Write:   &WritePayload{Stamp: stamp, Mode: mode, Target: target, Producer: producer},
		K:       k,
	}
}

// NewCopy constructs a Copy operation.
func NewCopy(src, dst string, mode os.FileMode, lineNumPrefix bool, k func(*Operation)) *Operation {
	return &Operation{
		Variant: VCopy,
		Reads:   sset(src),
		Writes:  sset(dst),
		Copy:    &CopyPayload{Src: src, Dst: dst, Mode: mode, LineNumPrefix: lineNumPrefix},
		K:       k,
	}
}

// NewMkdir constructs a Mkdir operation.
func NewMkdir(dir string, mode os.FileMode, k func(*Operation)) *Operation {
	return &Operation{
		Variant: VMkdir,
		Reads:   sset(),
		Writes:  sset(dir),
		Mkdir:   &MkdirPayload{Dir: dir, Mode: mode},
		K:       k,
	}
}

// NewDelete constructs a Delete operation.
func NewDelete(path string, k func(*Operation)) *Operation {
	return &Operation{
		Variant: VDelete,
		Reads:   sset(),
		Writes:  sset(),
		Delete:  &DeletePayload{Path: path},
		K:       k,
	}
}

// NewWaitFiles constructs a Wait_files operation.
func NewWaitFiles(files []string, k func(*Operation)) *Operation {
	return &Operation{
		Variant:   VWaitFiles,
		Reads:     sset(files...),
		Writes:    sset(),
		WaitFiles: &WaitFilesPayload{Files: append([]string(nil), files...)},
		K:         k,
	}
}

// NewNotify constructs a Notify operation. Notify never has reads or
// writes; it's allowed as soon as it's added to the guard.
func NewNotify(level NotifyLevel, message string) *Operation {
	return &Operation{
		Variant: VNotify,
		Reads:   sset(),
		Writes:  sset(),
		Notify:  &NotifyPayload{Level: level, Message: message},
		K:       func(*Operation) {},
	}
}

// NewSpawn constructs a Spawn operation.
func NewSpawn(payload *SpawnPayload, reads, writes []string, k func(*Operation)) *Operation {
	return &Operation{
		Variant: VSpawn,
		Reads:   sset(reads...),
		Writes:  sset(writes...),
		Spawn:   payload,
		K:       k,
	}
}

// SortedReads returns Reads as a deterministically ordered slice.
func (o *Operation) SortedReads() []string { return sortedKeys(o.Reads) }

// SortedWrites returns Writes as a deterministically ordered slice.
func (o *Operation) SortedWrites() []string { return sortedKeys(o.Writes) }

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// small, and only used for diagnostics/hashing input assembly;
	// insertion order doesn't matter, so a simple selection sort keeps
	// this dependency-free.
	for i := 0; i < len(out); i++ {
		min := i
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[min] {
				min = j
			}
		}
		out[i], out[min] = out[min], out[i]
	}
	return out
}

/*
	Package reviver implements the hashing and cache-revival policy that
	sits between the guard and the executor: it turns a cache-eligible
	Operation into a content hash, tries to satisfy it from the file
	cache without running anything, and afterward records freshly
	produced results back into the cache for next time.

	The hashing contract mirrors how repeatr's Formula content-addresses
	a job (see def.Formula and its accumulator), generalized down to the
	single-operation grain this module works at: only semantic inputs
	participate, order matters only where it's semantic (spawn args), and
	anything the operation author marked "unstamped" (scratch env vars,
	timestamps) is excluded.
*/
package reviver

import (
	"os"
	"path/filepath"

	"github.com/inconshreveable/log15"

	"github.com/polydawn/memo/filecache"
	"github.com/polydawn/memo/hash"
	"github.com/polydawn/memo/op"
)

// Reviver hashes cache-eligible operations, attempts to revive them from
// a Cache, and records freshly executed results back into it.
type Reviver struct {
	cache *filecache.Cache
	algo  hash.Algorithm
	log   log15.Logger
}

// New returns a Reviver backed by cache, hashing with algo (hash.Default
// if algo is nil).
func New(cache *filecache.Cache, algo hash.Algorithm, log log15.Logger) *Reviver {
	if algo == nil {
		algo = hash.Default
	}
	return &Reviver{cache: cache, algo: algo, log: log}
}

// HashOp computes o's content hash per the variant-specific contract, or
// returns a MissingReads FailureKind naming every unreadable read.
//
// Operations that aren't cache-eligible (Read, Delete, Wait_files,
// Notify) are left with a nil hash and hash_op is a no-op success for
// them; callers should check o.Variant.CacheEligible() before bothering
// to call this at all, but calling it regardless is harmless.
func (r *Reviver) HashOp(o *op.Operation) *op.FailureKind {
	if !o.Variant.CacheEligible() {
		o.Hash = nil
		return nil
	}

	var missing []string
	readHashes := make(map[string]hash.Hash, len(o.Reads))
	for _, path := range o.SortedReads() {
		h, err := hash.File(r.algo, path)
		if err != nil {
			missing = append(missing, path)
			continue
		}
		readHashes[path] = h
	}
	if len(missing) > 0 {
		return op.MissingReads(missing)
	}

	parts := [][]byte{[]byte(o.Variant.String())}
	for _, path := range o.SortedReads() {
		parts = append(parts, hash.Tagged("read:"+path, readHashes[path]))
	}

	switch o.Variant {
	case op.VSpawn:
		s := o.Spawn
		toolHash, err := hash.File(r.algo, s.Tool)
		if err != nil {
			return op.MissingReads([]string{s.Tool})
		}
		parts = append(parts, hash.Tagged("tool", toolHash))
		for i, a := range s.Args {
			parts = append(parts, hash.Tagged("arg:"+string(itoaBytes(i)), []byte(a)))
		}
		for k, v := range s.Vars {
			parts = append(parts, hash.Tagged("env:"+k, []byte(v)))
		}
		parts = append(parts, hash.Tagged("cwd", []byte(s.Cwd)))
		if s.Stdin != "" {
			stdinHash, err := hash.File(r.algo, s.Stdin)
			if err != nil {
				return op.MissingReads([]string{s.Stdin})
			}
			parts = append(parts, hash.Tagged("stdin", stdinHash))
		}
		// stdout/stderr targets only affect the hash insofar as
		// whether output is captured at all; the destination path
		// itself is a write, not a hashed input.
		parts = append(parts, hash.Tagged("stdout-captured", boolTag(s.Stdout != "")))
		parts = append(parts, hash.Tagged("stderr-captured", boolTag(s.Stderr != "")))
		for code := range successExitsOrDefault(s.SuccessExits) {
			parts = append(parts, hash.Tagged("exit", itoaBytes(code)))
		}
		parts = append(parts, hash.Tagged("stamp", []byte(s.Stamp)))

	case op.VWrite:
		w := o.Write
		parts = append(parts, hash.Tagged("stamp", []byte(w.Stamp)))
		parts = append(parts, hash.Tagged("mode", itoaBytes(int(w.Mode))))
		parts = append(parts, hash.Tagged("target-name", []byte(baseName(w.Target))))

	case op.VCopy:
		c := o.Copy
		srcHash, err := hash.File(r.algo, c.Src)
		if err != nil {
			return op.MissingReads([]string{c.Src})
		}
		parts = append(parts, hash.Tagged("src", srcHash))
		parts = append(parts, hash.Tagged("dst-name", []byte(baseName(c.Dst))))
		parts = append(parts, hash.Tagged("mode", itoaBytes(int(c.Mode))))
		parts = append(parts, hash.Tagged("linenum", boolTag(c.LineNumPrefix)))

	case op.VMkdir:
		m := o.Mkdir
		parts = append(parts, hash.Tagged("dir-name", []byte(baseName(m.Dir))))
		parts = append(parts, hash.Tagged("mode", itoaBytes(int(m.Mode))))
	}

	o.Hash = hash.Combine(r.algo, parts...)
	return nil
}

// Revive attempts to restore o.Writes from the cache under o.Hash. On a
// hit it materializes every write, sets o.Revived and o.Status = Done.
// A cache error here is non-fatal by contract: it is logged and treated
// as a miss, letting the caller fall back to execution.
func (r *Reviver) Revive(o *op.Operation) bool {
	if !o.Variant.CacheEligible() || o.Hash.IsNil() {
		return false
	}
	// spawn' (SpawnTree) never declares its writes up front -- they're
	// normally discovered by a post-exec filesystem walk, which a
	// revival never runs. Reconstruct them from the stored manifest
	// before attempting anything, or a hit would report success while
	// restoring nothing.
	if o.Variant == op.VSpawn && o.Spawn.WritesRoot != "" && len(o.Writes) == 0 {
		names, ok, err := r.cache.Find(o.Hash.String())
		if err != nil || !ok {
			if err != nil && r.log != nil {
				r.log.Info("cache lookup failed, falling back to execution", "op", o.ID, "error", err)
			}
			return false
		}
		writes := make(map[string]struct{}, len(names))
		for _, name := range names {
			writes[filepath.Join(o.Spawn.WritesRoot, filepath.FromSlash(name))] = struct{}{}
		}
		o.Writes = writes
	}
	writes := o.SortedWrites()
	names := writeNames(o, writes)
	targets := make(map[string]string, len(writes))
	for i, w := range writes {
		targets[names[i]] = w
	}
	ok, _, err := r.cache.Revive(o.Hash.String(), targets)
	if err != nil {
		if r.log != nil {
			r.log.Info("cache revive failed, falling back to execution", "op", o.ID, "error", err)
		}
		return false
	}
	if !ok {
		return false
	}
	o.Revived = true
	o.Status = op.Done
	return true
}

// Record stores o's writes into the cache under o.Hash after a
// successful, non-revived completion. It reports (false, nil) if there
// are no writes to record (an empty manifest), and a non-nil error only
// for genuine cache IO failure -- which the memoizer treats as non-fatal
// per contract, logging a warning and continuing the op regardless.
func (r *Reviver) Record(o *op.Operation) (bool, error) {
	if !o.Variant.CacheEligible() || o.Hash.IsNil() || o.Revived {
		return false, nil
	}
	writes := o.SortedWrites()
	if len(writes) == 0 {
		return false, nil
	}
	names := writeNames(o, writes)
	if err := r.cache.Add(o.Hash.String(), names, writes); err != nil {
		return false, err
	}
	return true, nil
}

// VerifyWrites reports which of o's declared writes are absent on disk,
// used by the memoizer to detect Missing_writes after a Done spawn or
// filesystem op.
func VerifyWrites(o *op.Operation) []string {
	var missing []string
	for _, w := range o.SortedWrites() {
		if _, err := os.Stat(w); err != nil {
			missing = append(missing, w)
		}
	}
	return missing
}

func successExitsOrDefault(m map[int]struct{}) map[int]struct{} {
	if len(m) == 0 {
		return map[int]struct{}{0: {}}
	}
	return m
}

func boolTag(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

func itoaBytes(n int) []byte {
	if n == 0 {
		return []byte{'0'}
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return buf[i:]
}

// writeNames picks the manifest naming scheme for o's writes. Ordinary
// operations declare their writes up front and are named by basename,
// same as always (logicalNames). spawn' (SpawnTree) discovers writes
// under WritesRoot post-hoc and has no other identity for them, so its
// entries are named by path relative to WritesRoot instead -- flattening
// to basenames would both collide more often and lose the directory
// structure Revive needs to put files back where the walk found them.
func writeNames(o *op.Operation, writes []string) []string {
	if o.Variant != op.VSpawn || o.Spawn.WritesRoot == "" {
		return logicalNames(writes)
	}
	names := make([]string, len(writes))
	for i, w := range writes {
		rel, err := filepath.Rel(o.Spawn.WritesRoot, w)
		if err != nil {
			names[i] = baseName(w)
			continue
		}
		names[i] = filepath.ToSlash(rel)
	}
	return names
}

// logicalNames assigns each write a manifest-safe logical name. Two
// writes with the same basename in different directories would
// otherwise collide in the cache manifest and in Revive's target map;
// collisions are disambiguated by appending a stable numeric suffix in
// SortedWrites order, which Record and Revive both derive identically.
func logicalNames(writes []string) []string {
	names := make([]string, len(writes))
	seen := make(map[string]int, len(writes))
	for i, w := range writes {
		base := baseName(w)
		n := seen[base]
		seen[base] = n + 1
		if n == 0 {
			names[i] = base
		} else {
			names[i] = base + "~" + string(itoaBytes(n))
		}
	}
	return names
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

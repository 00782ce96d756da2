/*
	Package filecache implements the CORE's persistent, content-addressed
	file cache: a mapping from cache key to a manifest of logical file
	names plus one content blob per name, stored on disk under a cache
	root, the way repeatr's `rio/transmat/impl/cachedir` commits a
	materialized arena into a `committed/<hash>` directory via a
	stage-then-rename.

	Every entry is written to a temporary sibling directory first and
	promoted into place with a single os.Rename, so readers never observe
	a partial entry (spec §4.1's atomicity guarantee).
*/
package filecache

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/warpfork/go-errcat"
	"go.polydawn.net/meep"

	"github.com/polydawn/memo/lib/guid"
)

// Error categories returned by this package, in the errcat convention
// (see the teacher's api/def and rio packages): callers switch on
// Category rather than parsing Msg.
const (
	ErrSetup      = "filecache-setup"
	ErrIO         = "filecache-io"
	ErrCorrupt    = "filecache-corrupt"
	ErrNotFound   = "filecache-not-found"
)

const manifestFileName = "manifest"
const atimeFileName = "atime"
const blobDirName = "blob"

// errAssembly is raised to indicate a serious I/O error while staging an
// entry in Add. Add recovers it and returns it as an ErrIO error, and no
// half-written cache entry is recorded. Mirrors rio.ErrAssembly's role in the
// teacher's rio/placer package: a meep-trait struct panicked as the
// "self" value, with meep.Cause carrying the underlying error.
type errAssembly struct {
	meep.TraitAutodescribing
	meep.TraitCausable
	meep.TraitTraceable
	Step string // which stage of Add failed, e.g. "stage blob", "write manifest"
}

// Cache is a handle onto a cache root directory.
type Cache struct {
	root string
	log  log15.Logger
}

// Create ensures dir exists and returns a handle onto it.
func Create(dir string, log log15.Logger) (*Cache, error) {
	if log == nil {
		log = log15.New()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errcat.Errorw(ErrSetup, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".tmp"), 0755); err != nil {
		return nil, errcat.Errorw(ErrSetup, err)
	}
	return &Cache{root: dir, log: log}, nil
}

func (c *Cache) entryDir(key string) string { return filepath.Join(c.root, key) }

// Mem reports whether key is present in the cache.
func (c *Cache) Mem(key string) bool {
	_, err := os.Stat(filepath.Join(c.entryDir(key), manifestFileName))
	return err == nil
}

type manifestDoc struct {
	Names []string `json:"names"`
}

// Add stores a new entry under key atomically: on success, any later
// Revive/Find observes the full entry; on failure, no partial entry is
// observed. If key already exists it is replaced.
//
// names and files must be the same length; files[i] is the source path
// whose content becomes the blob for logical name names[i].
func (c *Cache) Add(key string, names []string, files []string) (err error) {
	if len(names) != len(files) {
		return errcat.Errorf(ErrSetup, "filecache: %d names but %d files", len(names), len(files))
	}
	defer func() {
		if r := recover(); r != nil {
			if ea, ok := r.(*errAssembly); ok {
				err = errcat.Errorw(ErrIO, ea)
			} else if e, ok := r.(error); ok {
				err = errcat.Errorw(ErrIO, e)
			} else {
				err = errcat.Errorf(ErrIO, "filecache: %v", r)
			}
		}
	}()

	tmp := filepath.Join(c.root, ".tmp", guid.New())
	if err := os.MkdirAll(filepath.Join(tmp, blobDirName), 0755); err != nil {
		panic(meep.Meep(&errAssembly{Step: "stage blob dir"}, meep.Cause(err)))
	}
	defer os.RemoveAll(tmp)

	for i, src := range files {
		dst := filepath.Join(tmp, blobDirName, blobName(i))
		if err := copyOrLink(src, dst); err != nil {
			panic(meep.Meep(&errAssembly{Step: "stage blob"}, meep.Cause(err)))
		}
	}

	doc := manifestDoc{Names: names}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(meep.Meep(&errAssembly{Step: "marshal manifest"}, meep.Cause(err)))
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestFileName), b, 0644); err != nil {
		panic(meep.Meep(&errAssembly{Step: "write manifest"}, meep.Cause(err)))
	}
	if err := touchAtime(tmp); err != nil {
		panic(meep.Meep(&errAssembly{Step: "touch atime"}, meep.Cause(err)))
	}

	final := c.entryDir(key)
	// Replace any existing entry. Best-effort atomic: stage fully above,
	// then swap the old directory out of the way before the rename in so
	// a crash mid-swap leaves either the old or the new entry intact,
	// never a half-written one -- readers only ever see manifestFileName
	// once the whole tmp tree landed.
	if _, statErr := os.Stat(final); statErr == nil {
		stale := final + ".stale-" + guid.New()
		if err := os.Rename(final, stale); err != nil {
			panic(meep.Meep(&errAssembly{Step: "swap stale entry"}, meep.Cause(err)))
		}
		defer os.RemoveAll(stale)
	}
	if err := os.Rename(tmp, final); err != nil {
		panic(meep.Meep(&errAssembly{Step: "commit entry"}, meep.Cause(err)))
	}
	c.log.Info("filecache: recorded entry", "key", key, "members", len(names))
	return nil
}

func blobName(i int) string {
	return "b" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func copyOrLink(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func touchAtime(entryDir string) error {
	return os.WriteFile(filepath.Join(entryDir, atimeFileName), []byte(time.Now().UTC().Format(time.RFC3339Nano)), 0644)
}

func readManifest(entryDir string) (manifestDoc, error) {
	b, err := os.ReadFile(filepath.Join(entryDir, manifestFileName))
	if err != nil {
		return manifestDoc{}, err
	}
	var doc manifestDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return manifestDoc{}, errcat.Errorw(ErrCorrupt, err)
	}
	return doc, nil
}

// Revive materializes the entry stored under key into targets (a map
// from logical manifest name to the destination path it should land at).
// It reports (true, manifest names, nil) on a hit, (false, nil, nil) on a
// clean miss, and a non-nil error only for unexpected I/O failure.
func (c *Cache) Revive(key string, targets map[string]string) (ok bool, names []string, err error) {
	entryDir := c.entryDir(key)
	doc, rerr := readManifest(entryDir)
	if os.IsNotExist(rerr) {
		return false, nil, nil
	}
	if rerr != nil {
		return false, nil, rerr
	}
	for i, name := range doc.Names {
		dst, want := targets[name]
		if !want {
			continue
		}
		src := filepath.Join(entryDir, blobDirName, blobName(i))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return false, nil, errcat.Errorw(ErrIO, err)
		}
		os.Remove(dst)
		if err := copyOrLink(src, dst); err != nil {
			return false, nil, errcat.Errorw(ErrIO, err)
		}
	}
	if err := touchAtime(entryDir); err != nil {
		c.log.Warn("filecache: could not update access time", "key", key, "err", err)
	}
	return true, doc.Names, nil
}

// Find returns manifest metadata without materializing any files.
func (c *Cache) Find(key string) (names []string, ok bool, err error) {
	doc, err := readManifest(c.entryDir(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc.Names, true, nil
}

// Delete removes a single entry. Deleting an absent key is not an error.
func (c *Cache) Delete(key string) error {
	if err := os.RemoveAll(c.entryDir(key)); err != nil {
		return errcat.Errorw(ErrIO, err)
	}
	return nil
}

// DeleteAll wipes every entry in the cache.
func (c *Cache) DeleteAll() error {
	entries, err := c.listEntries()
	if err != nil {
		return err
	}
	for _, key := range entries {
		if err := c.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) listEntries() ([]string, error) {
	des, err := os.ReadDir(c.root)
	if err != nil {
		return nil, errcat.Errorw(ErrIO, err)
	}
	out := make([]string, 0, len(des))
	for _, de := range des {
		if !de.IsDir() || de.Name() == ".tmp" {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.root, de.Name(), manifestFileName)); err == nil {
			out = append(out, de.Name())
		}
	}
	return out, nil
}

// blobLinked reports whether path has any hardlink beyond the one the
// cache itself holds -- the approximation spec §4.1 sanctions for
// determining whether an entry is still "used" by a live build output.
func blobLinked(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		// platform without link-count visibility: conservatively assume linked.
		return true, nil
	}
	return st.Nlink > 1, nil
}

// DeleteUnused removes entries none of whose blobs are hardlinked to any
// file outside the cache (approximated via link count), and returns how
// many entries were removed.
func (c *Cache) DeleteUnused() (int, error) {
	entries, err := c.listEntries()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range entries {
		unused, err := c.entryUnused(key)
		if err != nil {
			return removed, err
		}
		if unused {
			if err := c.Delete(key); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (c *Cache) entryUnused(key string) (bool, error) {
	doc, err := readManifest(c.entryDir(key))
	if err != nil {
		return false, err
	}
	for i := range doc.Names {
		linked, err := blobLinked(filepath.Join(c.entryDir(key), blobDirName, blobName(i)))
		if err != nil {
			return false, err
		}
		if linked {
			return false, nil
		}
	}
	return true, nil
}

func (c *Cache) entryAtime(key string) time.Time {
	b, err := os.ReadFile(filepath.Join(c.entryDir(key), atimeFileName))
	if err != nil {
		fi, statErr := os.Stat(filepath.Join(c.entryDir(key), manifestFileName))
		if statErr != nil {
			return time.Time{}
		}
		return fi.ModTime()
	}
	t, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (c *Cache) entrySize(key string) (int64, error) {
	var total int64
	err := filepath.Walk(c.entryDir(key), func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

// Trim evicts least-recently-used entries (oldest access time first)
// until the cache's total size is at most maxBytes * (100-pct) / 100.
//
// Open question (spec §9b) resolved: recency is the entry's own atime
// sidecar file, which Add writes and Revive refreshes; when that file is
// missing, the manifest file's mtime is used instead.
func (c *Cache) Trim(maxBytes int64, pct int) error {
	entries, err := c.listEntries()
	if err != nil {
		return err
	}
	type scored struct {
		key   string
		atime time.Time
		size  int64
	}
	scoredEntries := make([]scored, 0, len(entries))
	var total int64
	for _, key := range entries {
		sz, err := c.entrySize(key)
		if err != nil {
			return err
		}
		scoredEntries = append(scoredEntries, scored{key, c.entryAtime(key), sz})
		total += sz
	}
	target := maxBytes * int64(100-pct) / 100
	if target < 0 {
		target = 0
	}
	sort.Slice(scoredEntries, func(i, j int) bool {
		return scoredEntries[i].atime.Before(scoredEntries[j].atime)
	})
	for _, e := range scoredEntries {
		if total <= target {
			break
		}
		if err := c.Delete(e.key); err != nil {
			return err
		}
		total -= e.size
	}
	return nil
}

// Stats summarizes the cache's current state.
type Stats struct {
	Entries      int
	Bytes        int64
	Unused       int
	OldestAccess time.Time
	NewestAccess time.Time
}

// Stats returns aggregate counters over the whole cache.
func (c *Cache) Stats() (Stats, error) {
	entries, err := c.listEntries()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	st.Entries = len(entries)
	for _, key := range entries {
		sz, err := c.entrySize(key)
		if err != nil {
			return Stats{}, err
		}
		st.Bytes += sz
		unused, err := c.entryUnused(key)
		if err != nil {
			return Stats{}, err
		}
		if unused {
			st.Unused++
		}
		at := c.entryAtime(key)
		if st.OldestAccess.IsZero() || at.Before(st.OldestAccess) {
			st.OldestAccess = at
		}
		if at.After(st.NewestAccess) {
			st.NewestAccess = at
		}
	}
	return st, nil
}

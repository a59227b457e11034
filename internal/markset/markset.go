// Package markset implements a compact, disk-spillable set of 64-bit ids
// used during GC sweeps.
//
// The 64-bit id space is partitioned by the high bits of xxhash.Sum64(id)
// rather than the raw id, so sequential ids (the common case for this
// store) spread across pages instead of clustering in one. Each page
// holds a sorted, bounded array of (hash, id) pairs; once a page fills it
// splits by hash range. Resident pages beyond MaxResidentPages spill to
// an equifile: a spilled page is one fixed-size slot whose payload is the
// page's sorted array, so markset invents no second on-disk format of its
// own.
//
// Set exists only for the duration of a sweep; Clear/Erase reset it back
// to empty between sweeps.
package markset

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/hollow-tree/objstore/internal/equifile"
	"github.com/hollow-tree/objstore/pkg/fs"
)

const defaultMaxResidentPages = 64

type page struct {
	lo, hi uint64 // inclusive hash range this page owns

	entries []entry // nil when spilled
	spilled bool
	addr    uint64 // equifile slot, valid only while spilled

	lastAccess uint64
}

// Options configure Open.
type Options struct {
	// Path is the spill file used once resident pages exceed
	// MaxResidentPages. Required.
	Path string

	// FS is the filesystem to operate on. Required.
	FS fs.FS

	// MaxResidentPages bounds how many pages are kept in memory before the
	// least-recently-used one spills to disk. Defaults to 64.
	MaxResidentPages int
}

// Set is the mark set. It satisfies blobstore.MarkSet.
//
// Set is not safe for concurrent use; callers serialize access.
type Set struct {
	mu sync.Mutex

	fsys             fs.FS
	path             string
	maxResidentPages int

	ef *equifile.File // lazily opened on first spill

	pages []page
	clock uint64
}

// Open creates a Set with a single full-range page. The spill file at
// opts.Path is not created until a page actually needs to spill.
func Open(opts Options) (*Set, error) {
	if opts.FS == nil {
		return nil, fmt.Errorf("markset: FS is required")
	}

	maxResident := opts.MaxResidentPages
	if maxResident <= 0 {
		maxResident = defaultMaxResidentPages
	}

	return &Set{
		fsys:             opts.FS,
		path:             opts.Path,
		maxResidentPages: maxResident,
		pages:            []page{{lo: 0, hi: math.MaxUint64}},
	}, nil
}

// Close closes the spill file, if one was opened.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ef == nil {
		return nil
	}

	return s.ef.Close()
}

// Erase removes the spill file from disk, if one was opened.
func (s *Set) Erase() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ef == nil {
		return nil
	}

	return s.ef.Erase()
}

// Clear empties the set back to its fresh single-page state. It satisfies
// blobstore.MarkSet; sizeHint is accepted for interface compatibility but
// otherwise unused since pages grow on demand.
func (s *Set) Clear(sizeHint uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = sizeHint

	if s.ef != nil {
		if err := s.ef.Clear(); err != nil {
			return fmt.Errorf("markset: clear spill file: %w", err)
		}
	}

	s.pages = []page{{lo: 0, hi: math.MaxUint64}}
	s.clock = 0

	return nil
}

// Mark adds id to the set.
func (s *Set) Mark(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := hashID(id)
	idx := s.pageIndexFor(h)

	p, err := s.residentPage(idx)
	if err != nil {
		return err
	}

	pos := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].hash >= h })
	if pos < len(p.entries) && p.entries[pos].hash == h && p.entries[pos].id == id {
		return nil // already marked
	}

	p.entries = append(p.entries, entry{})
	copy(p.entries[pos+1:], p.entries[pos:])
	p.entries[pos] = entry{hash: h, id: id}

	s.pages[idx] = *p

	if len(s.pages[idx].entries) > maxEntriesPerPage {
		s.splitPage(idx)
	}

	return s.evictIfNeeded()
}

// IsMarked reports whether id was previously marked.
func (s *Set) IsMarked(id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := hashID(id)
	idx := s.pageIndexFor(h)

	p, err := s.residentPage(idx)
	if err != nil {
		return false, err
	}

	found := false
	for i := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].hash >= h }); i < len(p.entries) && p.entries[i].hash == h; i++ {
		if p.entries[i].id == id {
			found = true
			break
		}
	}

	return found, s.evictIfNeeded()
}

func hashID(id uint64) uint64 {
	var b [8]byte
	b[0] = byte(id)
	b[1] = byte(id >> 8)
	b[2] = byte(id >> 16)
	b[3] = byte(id >> 24)
	b[4] = byte(id >> 32)
	b[5] = byte(id >> 40)
	b[6] = byte(id >> 48)
	b[7] = byte(id >> 56)

	return xxhash.Sum64(b[:])
}

// pageIndexFor returns the index of the page whose [lo, hi] range contains
// hash. Pages are kept sorted by lo and partition the full 64-bit space.
func (s *Set) pageIndexFor(hash uint64) int {
	i := sort.Search(len(s.pages), func(i int) bool { return s.pages[i].lo > hash })
	return i - 1
}

// residentPage returns a pointer into s.pages for idx, loading it from the
// spill file first if it is currently spilled.
func (s *Set) residentPage(idx int) (*page, error) {
	p := &s.pages[idx]

	if p.spilled {
		buf, err := s.ef.Retrieve(p.addr)
		if err != nil {
			return nil, fmt.Errorf("markset: load spilled page: %w", err)
		}

		lo, hi, entries, err := decodePage(buf)
		if err != nil {
			return nil, err
		}

		if err := s.ef.Delete(p.addr); err != nil {
			return nil, fmt.Errorf("markset: free spilled page slot: %w", err)
		}

		p.lo, p.hi, p.entries = lo, hi, entries
		p.spilled = false
		p.addr = 0
	}

	s.clock++
	p.lastAccess = s.clock

	return p, nil
}

// splitPage divides an overfull resident page into two by the midpoint of
// its hash range, inserting the new page immediately after it.
//
// A page covering a single hash value (lo == hi) cannot be split further;
// it is left to grow past maxEntriesPerPage rather than dropped or
// corrupted - an extremely rare case given xxhash's distribution over real
// id sequences.
func (s *Set) splitPage(idx int) {
	p := &s.pages[idx]
	if p.lo == p.hi {
		return
	}

	mid := p.lo + (p.hi-p.lo)/2

	var left, right []entry
	for _, e := range p.entries {
		if e.hash <= mid {
			left = append(left, e)
		} else {
			right = append(right, e)
		}
	}

	if len(left) == 0 || len(right) == 0 {
		return
	}

	origHi := p.hi
	p.hi = mid
	p.entries = left

	newPage := page{lo: mid + 1, hi: origHi, entries: right}

	s.pages = append(s.pages, page{})
	copy(s.pages[idx+2:], s.pages[idx+1:])
	s.pages[idx+1] = newPage
}

// evictIfNeeded spills the least-recently-used resident page once the
// resident count exceeds maxResidentPages.
func (s *Set) evictIfNeeded() error {
	residentCount := 0
	lruIdx := -1
	var lruAccess uint64

	for i := range s.pages {
		if s.pages[i].spilled {
			continue
		}

		residentCount++

		if lruIdx == -1 || s.pages[i].lastAccess < lruAccess {
			lruIdx = i
			lruAccess = s.pages[i].lastAccess
		}
	}

	if residentCount <= s.maxResidentPages || lruIdx == -1 {
		return nil
	}

	if err := s.ensureSpillFile(); err != nil {
		return err
	}

	p := &s.pages[lruIdx]

	addr, err := s.ef.AllocateSlot()
	if err != nil {
		return fmt.Errorf("markset: allocate spill slot: %w", err)
	}

	if err := s.ef.Store(addr, encodePage(p.lo, p.hi, p.entries)); err != nil {
		return fmt.Errorf("markset: write spill slot: %w", err)
	}

	p.entries = nil
	p.spilled = true
	p.addr = addr

	return nil
}

func (s *Set) ensureSpillFile() error {
	if s.ef != nil {
		return nil
	}

	ef, err := equifile.Open(equifile.Options{
		Path:        s.path,
		RecordBytes: pageRecordBytes,
		FS:          s.fsys,
	})
	if err != nil {
		return fmt.Errorf("markset: open spill file: %w", err)
	}

	s.ef = ef

	return nil
}

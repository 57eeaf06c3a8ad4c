package transfer

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Direction of a transfer.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Descriptor is one blob being moved.
type Descriptor struct {
	Hash        string
	Direction   Direction
	Total       int64
	Forbidden   bool
	ForbiddenBy string

	transferred atomic.Int64
}

// NewDescriptor creates a descriptor for hash with total bytes on the wire.
func NewDescriptor(hash string, dir Direction, total int64) *Descriptor {
	return &Descriptor{Hash: hash, Direction: dir, Total: total}
}

// Transferred returns the bytes moved so far.
func (d *Descriptor) Transferred() int64 { return d.transferred.Load() }

// AddTransferred records n more bytes.
func (d *Descriptor) AddTransferred(n int64) { d.transferred.Add(n) }

// SetTransferred overwrites the byte count.
func (d *Descriptor) SetTransferred(n int64) { d.transferred.Store(n) }

// IsTransferred holds once every byte has moved. Forbidden descriptors are
// never transferred.
func (d *Descriptor) IsTransferred() bool {
	return !d.Forbidden && d.Transferred() == d.Total
}

// InFlight holds while bytes are still outstanding.
func (d *Descriptor) InFlight() bool {
	return !d.Forbidden && d.Transferred() < d.Total
}

// ForbiddenEntry is a hash the relay refused.
type ForbiddenEntry struct {
	Hash        string
	ForbiddenBy string
	Direction   Direction
}

// ForbiddenTransfers is the session-wide list of refused hashes. Each hash
// is recorded at most once.
type ForbiddenTransfers struct {
	m sync.Map
}

// Add records hash and reports whether it was new.
func (f *ForbiddenTransfers) Add(hash, by string, dir Direction) bool {
	_, loaded := f.m.LoadOrStore(hash, ForbiddenEntry{Hash: hash, ForbiddenBy: by, Direction: dir})
	return !loaded
}

// Get returns the entry for hash.
func (f *ForbiddenTransfers) Get(hash string) (ForbiddenEntry, bool) {
	v, ok := f.m.Load(hash)
	if !ok {
		return ForbiddenEntry{}, false
	}
	return v.(ForbiddenEntry), true
}

// Contains reports whether hash was refused.
func (f *ForbiddenTransfers) Contains(hash string) bool {
	_, ok := f.m.Load(hash)
	return ok
}

// List returns all entries sorted by hash.
func (f *ForbiddenTransfers) List() []ForbiddenEntry {
	var out []ForbiddenEntry
	f.m.Range(func(_, v any) bool {
		out = append(out, v.(ForbiddenEntry))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

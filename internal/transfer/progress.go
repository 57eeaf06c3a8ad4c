package transfer

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// ProgressTracker tracks the progress of blob transfers
type ProgressTracker struct {
	transfers map[string]*TransferProgress
	mu        sync.RWMutex
	now       func() time.Time
}

// TransferProgress represents the progress of a single blob
type TransferProgress struct {
	Hash           string
	Direction      Direction
	BytesMoved     int64
	TotalBytes     int64
	StartTime      time.Time
	LastUpdateTime time.Time
	Speed          float64 // bytes per second
	EstimatedTime  time.Duration
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		transfers: make(map[string]*TransferProgress),
		now:       time.Now,
	}
}

// Start begins tracking a blob.
func (pt *ProgressTracker) Start(hash string, dir Direction, totalBytes int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	now := pt.now()
	pt.transfers[string(dir)+":"+hash] = &TransferProgress{
		Hash:           hash,
		Direction:      dir,
		TotalBytes:     totalBytes,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records the cumulative bytes moved for a blob.
func (pt *ProgressTracker) Update(hash string, dir Direction, bytesMoved int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	progress, exists := pt.transfers[string(dir)+":"+hash]
	if !exists {
		return
	}

	now := pt.now()
	progress.BytesMoved = bytesMoved
	progress.LastUpdateTime = now

	if elapsed := now.Sub(progress.StartTime).Seconds(); elapsed > 0 {
		progress.Speed = float64(bytesMoved) / elapsed
	}
	if progress.Speed > 0 && progress.TotalBytes > bytesMoved {
		remaining := float64(progress.TotalBytes - bytesMoved)
		progress.EstimatedTime = time.Duration(remaining / progress.Speed * float64(time.Second))
	} else {
		progress.EstimatedTime = 0
	}
}

// Finish stops tracking a blob.
func (pt *ProgressTracker) Finish(hash string, dir Direction) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.transfers, string(dir)+":"+hash)
}

// Get returns a copy of the progress of one blob.
func (pt *ProgressTracker) Get(hash string, dir Direction) (TransferProgress, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p, ok := pt.transfers[string(dir)+":"+hash]
	if !ok {
		return TransferProgress{}, false
	}
	return *p, true
}

// All returns copies of every tracked transfer, ordered by hash.
func (pt *ProgressTracker) All() []TransferProgress {
	pt.mu.RLock()
	out := make([]TransferProgress, 0, len(pt.transfers))
	for _, p := range pt.transfers {
		out = append(out, *p)
	}
	pt.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction < out[j].Direction
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// Summary renders one line per active transfer.
func (pt *ProgressTracker) Summary() string {
	all := pt.All()
	if len(all) == 0 {
		return "No active transfers"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== Active Transfers (%d) ===\n", len(all))
	for _, p := range all {
		short := p.Hash
		if len(short) > 8 {
			short = short[:8]
		}
		fmt.Fprintf(&b, "%-8s %s %s/%s", p.Direction, short,
			humanize.Bytes(uint64(p.BytesMoved)), humanize.Bytes(uint64(p.TotalBytes)))
		if p.Speed > 0 {
			fmt.Fprintf(&b, " %s/s", humanize.Bytes(uint64(p.Speed)))
		}
		if p.EstimatedTime > 0 {
			fmt.Fprintf(&b, " ETA %s", p.EstimatedTime.Round(time.Second))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// CountingReader reports the cumulative number of bytes read.
type CountingReader struct {
	R      io.Reader
	OnRead func(total int64)
	total  int64
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	if n > 0 {
		c.total += int64(n)
		if c.OnRead != nil {
			c.OnRead(c.total)
		}
	}
	return n, err
}

// Total is the number of bytes read so far.
func (c *CountingReader) Total() int64 { return c.total }

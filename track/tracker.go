// Package track scores how likely a columnar stream is to be read again,
// feeding the read scheduler's prefetch decisions. It records, per tracking
// identity, how many bytes were referenced during planning versus actually
// read during decoding, and which row-groups touched the identity.
package track

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"
)

// TrackingID correlates related column accesses across stripes and files. It
// is opaque to the read scheduler.
type TrackingID uint64

// MakeTrackingID derives a stable tracking identity from a column name and
// the kind of stream (data, presence, dictionary, ...).
func MakeTrackingID(column, kind string) TrackingID {
	h := xxhash.New()
	_, _ = h.WriteString(column)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(kind)
	return TrackingID(h.Sum64())
}

// Tracker is the access-tracking collaborator consumed by the read
// scheduler. Implementations must be safe for concurrent use.
type Tracker interface {
	// RecordReference notes that a row-group referenced bytes under id during
	// planning. Fire and forget.
	RecordReference(id TrackingID, group uint32, bytes uint64)

	// RecordRead notes that bytes under id were actually consumed by a
	// decoder.
	RecordRead(id TrackingID, bytes uint64)

	// ShouldPreload reports whether data under id is likely to be read soon
	// enough to be worth loading speculatively. numPages is a hint of how
	// many cache pages the speculative load would occupy; zero means
	// unknown.
	ShouldPreload(id TrackingID, numPages int) bool
}

// ScanTracker is the default Tracker. An identity qualifies for preloading
// when the observed read fraction of its referenced bytes reaches the
// configured threshold. Identities with no read history yet are preloaded
// optimistically.
type ScanTracker struct {
	threshold float64

	mu      sync.Mutex
	streams map[TrackingID]*streamStats
}

type streamStats struct {
	referencedBytes uint64
	readBytes       uint64
	groups          *roaring.Bitmap
}

// DefaultReadThreshold is the read fraction above which a stream is
// considered dense enough to preload.
const DefaultReadThreshold = 0.8

// NewScanTracker returns a ScanTracker with the given read-fraction
// threshold; zero or negative means DefaultReadThreshold.
func NewScanTracker(threshold float64) *ScanTracker {
	if threshold <= 0 {
		threshold = DefaultReadThreshold
	}
	return &ScanTracker{
		threshold: threshold,
		streams:   map[TrackingID]*streamStats{},
	}
}

func (t *ScanTracker) stats(id TrackingID) *streamStats {
	s, ok := t.streams[id]
	if !ok {
		s = &streamStats{groups: roaring.New()}
		t.streams[id] = s
	}
	return s
}

// RecordReference implements Tracker.
func (t *ScanTracker) RecordReference(id TrackingID, group uint32, bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats(id)
	s.referencedBytes += bytes
	s.groups.Add(group)
}

// RecordRead implements Tracker.
func (t *ScanTracker) RecordRead(id TrackingID, bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats(id).readBytes += bytes
}

// ShouldPreload implements Tracker.
func (t *ScanTracker) ShouldPreload(id TrackingID, _ int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	if !ok || s.readBytes == 0 {
		// No history. Be optimistic: the first stripe of a scan should not
		// be penalized for being first.
		return true
	}
	if s.referencedBytes == 0 {
		return true
	}
	return float64(s.readBytes)/float64(s.referencedBytes) >= t.threshold
}

// GroupCount returns how many distinct row-groups have referenced id.
func (t *ScanTracker) GroupCount(id TrackingID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	if !ok {
		return 0
	}
	return s.groups.GetCardinality()
}

// ReadFraction returns the observed read fraction for id, or 1 if the
// identity has no reference history.
func (t *ScanTracker) ReadFraction(id TrackingID) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	if !ok || s.referencedBytes == 0 {
		return 1
	}
	return float64(s.readBytes) / float64(s.referencedBytes)
}

package cache

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrNoSpace is returned by Acquire when the tier cannot reserve space
	// without evicting pinned entries.
	ErrNoSpace = errors.New("cache: no space available")

	// ErrPinEmpty is returned by Bytes on a pin whose load has not completed.
	ErrPinEmpty = errors.New("cache: pin not filled")

	// ErrEntryTooLarge is returned when an entry exceeds the SSD entry size
	// ceiling.
	ErrEntryTooLarge = errors.New("cache: entry exceeds ssd entry size")
)

// Key is the cache addressing unit: a file identity plus the byte offset the
// cached entry starts at. The entry length is carried separately because a
// key is created before the entry exists.
type Key struct {
	FileNum uint64
	Offset  uint64
}

// Hash returns a stable hash of the key, used for shard selection.
func (k Key) Hash() uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], k.FileNum)
	binary.LittleEndian.PutUint64(b[8:], k.Offset)
	return xxhash.Sum64(b[:])
}

type pinState uint8

const (
	pinEmpty pinState = iota
	pinFilled
	pinFailed
)

// Pin keeps a cache entry resident and valid for the pin's lifetime. A pin
// returned by Acquire starts empty and transitions exactly once to filled
// (via Fill) or failed (via Fail); a pin returned by Lookup is already
// filled. Pins are owned by a single region request at a time and must be
// released exactly once.
type Pin struct {
	key  Key
	size uint64

	mu    sync.Mutex
	state pinState
	data  []byte
	err   error

	onFill  func()
	onFail  func()
	release func(failed bool)

	released bool
}

// Key returns the cache key the pin refers to.
func (p *Pin) Key() Key { return p.key }

// Size returns the number of bytes reserved for the entry.
func (p *Pin) Size() uint64 { return p.size }

// Filled reports whether the pin holds loaded bytes.
func (p *Pin) Filled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == pinFilled
}

// Fill copies b into the pinned entry and marks it resident. It must be
// called at most once, with exactly the reserved number of bytes.
func (p *Pin) Fill(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pinEmpty {
		panic("cache: Fill on a resolved pin")
	}
	if uint64(len(b)) != p.size {
		panic("cache: Fill size does not match reservation")
	}
	copy(p.data, b)
	p.state = pinFilled
	if p.onFill != nil {
		p.onFill()
	}
}

// Fail marks the pin with a sticky error. It must be called at most once and
// never after Fill.
func (p *Pin) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pinEmpty {
		panic("cache: Fail on a resolved pin")
	}
	p.state = pinFailed
	p.err = err
	if p.onFail != nil {
		p.onFail()
	}
}

// Bytes returns the loaded bytes, the sticky load error, or ErrPinEmpty if
// the entry has not been filled yet.
func (p *Pin) Bytes() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case pinFilled:
		return p.data[:p.size], nil
	case pinFailed:
		return nil, p.err
	default:
		return nil, ErrPinEmpty
	}
}

// Err returns the sticky error, if any.
func (p *Pin) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Release returns the pin to its tier. Releasing twice is a no-op. An empty
// or failed pin releases its reservation; a filled pin leaves the entry
// cached for later lookups.
func (p *Pin) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	if p.release != nil {
		p.release(p.state == pinFailed)
	}
}

// Tier is the uniform capability interface over a backing cache tier.
type Tier interface {
	// Lookup returns a filled pin over an already resident entry covering at
	// least size bytes, or false on a miss.
	Lookup(key Key, size uint64) (*Pin, bool)

	// Contains reports residency without pinning or touching recency state.
	Contains(key Key, size uint64) bool

	// Acquire reserves space for an incoming load and returns an empty pin
	// for it. If the entry became resident since the caller's Lookup, the
	// returned pin is already filled.
	Acquire(key Key, size uint64) (*Pin, error)
}

// SsdRun locates an entry inside the SSD tier's backing file.
type SsdRun struct {
	Offset int64
	Size   uint64
}

// SsdTier is the narrow interface the load scheduler needs from an SSD-backed
// cache: residency by key, raw reads of resident runs, and write-back of
// newly loaded entries.
type SsdTier interface {
	Contains(key Key) (SsdRun, bool)
	ReaderAt() io.ReaderAt
	WriteEntry(key Key, b []byte) error
	EntrySizeBits() int
}

// Tiers is the closed set of tier configurations, selected once at
// construction. Callers never branch on a nil SSD pointer; absence is
// encoded by the MemoryOnly variant.
type Tiers struct {
	mem Tier
	ssd SsdTier
}

// MemoryOnly configures a single memory tier.
func MemoryOnly(mem Tier) Tiers { return Tiers{mem: mem} }

// MemoryPlusSsd configures a memory tier backed by an SSD tier.
func MemoryPlusSsd(mem Tier, ssd SsdTier) Tiers { return Tiers{mem: mem, ssd: ssd} }

// Memory returns the memory tier.
func (t Tiers) Memory() Tier { return t.mem }

// Ssd returns the SSD tier, if configured.
func (t Tiers) Ssd() (SsdTier, bool) { return t.ssd, t.ssd != nil }

package cachedio

import (
	"sync"

	"github.com/columnkit/cachedio/cache"
	"github.com/columnkit/cachedio/track"
)

// cacheRequest is one candidate byte range to read, produced by Enqueue and
// consumed by Load. Its key is immutable; the pin and the owning load are set
// exactly once but read across goroutines, so both go through the request
// mutex.
type cacheRequest struct {
	key      cache.Key
	size     uint64
	tracking track.TrackingID

	// coalesces is false for sparsely accessed large columns, where hitting
	// one piece should not pull in its neighbors.
	coalesces bool

	// stream is the logical stream that issued the request. Back-reference
	// only; the dispatcher owns the request.
	stream *CacheInputStream

	// ssdRun locates the bytes inside the SSD tier when the request is
	// served from there instead of the storage medium.
	ssdRun      cache.SsdRun
	ssdEligible bool

	mu sync.Mutex
	// pin is the memory tier pin, set under the owning load's execution or
	// synchronously on a cache hit.
	pin *cache.Pin
	// load is the coalesced load the request was grouped into, if any.
	load *CoalescedLoad
}

// srcOffset returns the request's offset in the coordinate space its load
// reads from: the file for storage loads, the cache file for SSD loads.
func (r *cacheRequest) srcOffset() uint64 {
	if r.ssdEligible {
		return uint64(r.ssdRun.Offset)
	}
	return r.key.Offset
}

func (r *cacheRequest) setPin(p *cache.Pin) {
	r.mu.Lock()
	r.pin = p
	r.mu.Unlock()
}

func (r *cacheRequest) getPin() *cache.Pin {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pin
}

func (r *cacheRequest) setLoad(ld *CoalescedLoad) {
	r.mu.Lock()
	r.load = ld
	r.mu.Unlock()
}

func (r *cacheRequest) getLoad() *CoalescedLoad {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load
}

func (r *cacheRequest) release() {
	if p := r.getPin(); p != nil {
		p.Release()
	}
}

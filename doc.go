// Package cachedio is the coalescing, cache-aware read scheduling layer that
// sits between a columnar file reader and its storage medium. Format parsers
// enqueue the byte ranges one stripe or row-group will need, Load merges the
// uncached ones into as few physical reads as possible, and each enqueued
// range is handed back as a stream that blocks until its bytes are resident.
//
// The layer guarantees at most one physical read per region under concurrent
// access, bounds each coalesced read by a configurable load quantum (with a
// smaller ceiling for SSD-tier reads), and cancels all in-flight loads on
// Close before releasing any cache pins.
package cachedio

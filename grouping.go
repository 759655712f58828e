package cachedio

// groupEnds partitions requests, which must be sorted by ascending source
// offset, into coalescing groups. The return value holds the exclusive end
// index of each group: {2, 5} over five requests means requests 0-1 form the
// first group and 2-4 the second.
//
// The scan is greedy: the current group absorbs the next request unless the
// gap to it exceeds hole, the request (or its predecessor) opted out of
// coalescing, or the grown span would exceed quantum. A single request
// larger than the quantum still forms its own group; coalescing never splits
// a logical region.
func groupEnds(requests []*cacheRequest, quantum, hole uint64) []int {
	if len(requests) == 0 {
		return nil
	}
	ends := make([]int, 0, len(requests))
	groupStart := requests[0].srcOffset()
	groupEnd := groupStart + requests[0].size
	for i := 1; i < len(requests); i++ {
		r := requests[i]
		start := r.srcOffset()
		end := start + r.size
		if end < groupEnd {
			end = groupEnd
		}
		switch {
		case !r.coalesces || !requests[i-1].coalesces,
			start > groupEnd+hole,
			end-groupStart > quantum:
			ends = append(ends, i)
			groupStart = start
			groupEnd = start + r.size
		default:
			groupEnd = end
		}
	}
	return append(ends, len(requests))
}

// Package fanout implements the Forwarding Tree (spec §4.7): span
// computation, per-hop child dispatch, aggregated receive, and
// FORWARD_FAILED synthesis for timed-out children.
package fanout

// Span distributes n children across at most w buckets using the
// deterministic fill rule from spec §4.7: iterate buckets left to right;
// at each pass, if w-i >= left assign the remainder; else if left <= w
// add left to bucket i; else add w and subtract. Passes repeat until every
// child is assigned. Buckets with zero entries indicate unused branches.
//
// w <= 0 is treated as 1 (a single bucket holding every child).
func Span(n, w int) []int {
	if w <= 0 {
		w = 1
	}

	buckets := make([]int, w)
	left := n

	for left > 0 {
		for i := 0; i < w && left > 0; i++ {
			remaining := w - i
			switch {
			case remaining >= left:
				buckets[i] += left
				left = 0
			case left <= w:
				buckets[i] += left
				left = 0
			default:
				buckets[i] += w
				left -= w
			}
		}
	}

	return buckets
}

// SpanHosts partitions hosts into up to w ordered sub-slices following
// the same bucket-fill rule as Span, so a caller can pair each bucket
// with its concrete hostlist in one step.
func SpanHosts(hosts []string, w int) [][]string {
	sizes := Span(len(hosts), w)
	buckets := make([][]string, 0, len(sizes))

	offset := 0
	for _, size := range sizes {
		if size == 0 {
			continue
		}
		buckets = append(buckets, hosts[offset:offset+size])
		offset += size
	}

	return buckets
}

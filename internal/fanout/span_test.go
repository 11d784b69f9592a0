package fanout

import "testing"

func sum(buckets []int) int {
	total := 0
	for _, b := range buckets {
		total += b
	}
	return total
}

// TestSpanSumMatchesTotal checks spec §8's quantified invariant
// (1<=N<=10000, 1<=W<=64) that Span always returns exactly W buckets
// summing to N. N is walked with a stride rather than exhaustively to
// keep the test fast while still covering the full documented range,
// including both endpoints; W is walked exhaustively since it is cheap.
func TestSpanSumMatchesTotal(t *testing.T) {
	t.Parallel()

	const (
		minN   = 1
		maxN   = 10000
		stride = 37
		minW   = 1
		maxW   = 64
	)

	for n := minN; n <= maxN; n += stride {
		for w := minW; w <= maxW; w++ {
			got := Span(n, w)
			if len(got) != w {
				t.Fatalf("Span(%d,%d) returned %d buckets, want %d", n, w, len(got), w)
			}
			if s := sum(got); s != n {
				t.Fatalf("Span(%d,%d) = %v, sum = %d, want %d", n, w, got, s, n)
			}
		}
	}

	for _, n := range []int{minN, maxN} {
		for _, w := range []int{minW, maxW} {
			got := Span(n, w)
			if len(got) != w {
				t.Fatalf("Span(%d,%d) returned %d buckets, want %d", n, w, len(got), w)
			}
			if s := sum(got); s != n {
				t.Fatalf("Span(%d,%d) = %v, sum = %d, want %d", n, w, got, s, n)
			}
		}
	}
}

func TestSpanFiveNodesTreeWidthThree(t *testing.T) {
	t.Parallel()

	got := Span(5, 3)
	want := []int{3, 2, 0}
	if len(got) != len(want) {
		t.Fatalf("Span(5,3) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Span(5,3) = %v, want %v", got, want)
		}
	}
}

func TestSpanZeroNodes(t *testing.T) {
	t.Parallel()

	got := Span(0, 4)
	for i, b := range got {
		if b != 0 {
			t.Fatalf("Span(0,4)[%d] = %d, want 0", i, b)
		}
	}
}

func TestSpanWidthLessThanOneTreatedAsOne(t *testing.T) {
	t.Parallel()

	got := Span(7, 0)
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("Span(7,0) = %v, want [7]", got)
	}

	got = Span(7, -3)
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("Span(7,-3) = %v, want [7]", got)
	}
}

func TestSpanNeverExceedsWidthBuckets(t *testing.T) {
	t.Parallel()

	got := Span(1000, 5)
	if len(got) != 5 {
		t.Fatalf("len(Span(1000,5)) = %d, want 5", len(got))
	}
}

func TestSpanHostsPairsBucketsWithHosts(t *testing.T) {
	t.Parallel()

	hosts := []string{"node01", "node02", "node03", "node04", "node05"}
	got := SpanHosts(hosts, 3)

	want := [][]string{
		{"node01", "node02", "node03"},
		{"node04", "node05"},
	}

	if len(got) != len(want) {
		t.Fatalf("SpanHosts() = %v, want %v", got, want)
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("SpanHosts()[%d] = %v, want %v", i, got[i], want[i])
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("SpanHosts()[%d][%d] = %q, want %q", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestSpanHostsEmpty(t *testing.T) {
	t.Parallel()

	got := SpanHosts(nil, 3)
	if len(got) != 0 {
		t.Fatalf("SpanHosts(nil, 3) = %v, want empty", got)
	}
}

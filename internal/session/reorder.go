package session

import "github.com/chorushq/chorus/internal/pool"

// reorder releases transcription results in strictly increasing sequence
// order with no gaps, regardless of the order workers finish in. Error
// results consume their sequence number like any other. Not safe for
// concurrent use; the owning session serialises access.
type reorder struct {
	next    uint64
	pending map[uint64]pool.Result
}

func newReorder() *reorder {
	return &reorder{pending: make(map[uint64]pool.Result)}
}

// add stores r and returns the contiguous run of results that became
// releasable, in order. Results below the release cursor are duplicates and
// are ignored.
func (b *reorder) add(r pool.Result) []pool.Result {
	if r.Segment.Seq < b.next {
		return nil
	}
	b.pending[r.Segment.Seq] = r

	var out []pool.Result
	for {
		rel, ok := b.pending[b.next]
		if !ok {
			return out
		}
		delete(b.pending, b.next)
		b.next++
		out = append(out, rel)
	}
}

// waiting reports how many results are held back by a sequence gap.
func (b *reorder) waiting() int { return len(b.pending) }

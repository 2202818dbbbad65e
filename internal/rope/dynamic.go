package rope

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-rotary/internal/logger"
	"github.com/23skdu/longbow-rotary/internal/metrics"
)

// RecomputeIfNeeded returns the basis to use for a sequence of newSeqLen
// tokens. Only the dynamic variant ever changes: it gets a fresh basis when
// newSeqLen exceeds the length current was computed for. The bool reports
// whether a new basis was built. current is never modified.
func RecomputeIfNeeded(dims Dimensions, p *Parameters, current *Basis, newSeqLen int) (*Basis, bool, error) {
	if current != nil && (p.Type != Dynamic || newSeqLen <= current.SeqLen) {
		return current, false, nil
	}
	b, err := ComputeBasis(dims, p, newSeqLen)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// DynamicBasis owns the active basis of one attention module. Readers load
// it lock-free; growth swaps in a replacement under a single writer.
type DynamicBasis struct {
	dims   Dimensions
	params *Parameters

	mu  sync.Mutex
	cur atomic.Pointer[Basis]
}

// NewDynamicBasis computes the initial basis for dims.MaxPositionEmbeddings.
func NewDynamicBasis(dims Dimensions, p *Parameters) (*DynamicBasis, error) {
	b, err := ComputeBasis(dims, p, 0)
	if err != nil {
		return nil, err
	}
	params := *p
	d := &DynamicBasis{dims: dims, params: &params}
	d.cur.Store(b)
	return d, nil
}

func (d *DynamicBasis) Current() *Basis {
	return d.cur.Load()
}

// Ensure returns a basis valid for seqLen tokens, swapping in a recomputed
// one when the dynamic variant sees a longer sequence than before.
func (d *DynamicBasis) Ensure(seqLen int) (*Basis, error) {
	cur := d.cur.Load()
	if d.params.Type != Dynamic || seqLen <= cur.SeqLen {
		return cur, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cur = d.cur.Load()
	next, changed, err := RecomputeIfNeeded(d.dims, d.params, cur, seqLen)
	if err != nil {
		return nil, err
	}
	if changed {
		d.cur.Store(next)
		metrics.RecordBasisRecompute(next.SeqLen)
		logger.Log.With("rope").Info("dynamic rope basis recomputed",
			"old_seq_len", cur.SeqLen,
			"new_seq_len", next.SeqLen,
			"theta", next.Theta,
		)
	}
	return next, nil
}

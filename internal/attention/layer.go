package attention

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-rotary/internal/logger"
	"github.com/23skdu/longbow-rotary/internal/metrics"
	"github.com/23skdu/longbow-rotary/internal/rope"
	"github.com/23skdu/longbow-rotary/internal/tensor"
)

// Weights are the projection matrices in [out, in] layout, as stored in
// checkpoints.
type Weights struct {
	Q *tensor.Tensor // [heads*headDim, hidden]
	K *tensor.Tensor // [kvHeads*headDim, hidden]
	V *tensor.Tensor // [kvHeads*headDim, hidden]
	O *tensor.Tensor // [hidden, heads*headDim]
}

type Output struct {
	Hidden  *tensor.Tensor // [batch, seq, hidden]
	Weights *tensor.Tensor // [batch, heads, seq, seq]; nil unless requested
}

// Layer is one self-attention block: projections, rotary encoding,
// grouped-query attention and the output projection.
type Layer struct {
	Dims      rope.Dimensions
	Layout    Layout
	Precision tensor.Precision
	// ReturnWeights keeps the attention weights in Output for diagnostics.
	ReturnWeights bool

	weights Weights
	basis   *rope.DynamicBasis
}

func NewLayer(dims rope.Dimensions, params *rope.Parameters, w Weights, precision tensor.Precision) (*Layer, error) {
	layout, err := NewLayout(dims)
	if err != nil {
		return nil, err
	}
	if err := checkWeights(dims, layout, w); err != nil {
		return nil, err
	}
	basis, err := rope.NewDynamicBasis(dims, params)
	if err != nil {
		return nil, fmt.Errorf("rope basis: %w", err)
	}
	logger.Log.With("attention").Info("attention layer ready",
		"heads", layout.NumHeads,
		"kv_heads", layout.NumKeyValueHeads,
		"head_dim", layout.HeadDim,
		"rotary_dim", basis.Current().RotaryDim,
		"variant", params.Type.String(),
		"precision", precision.String(),
	)
	return &Layer{Dims: dims, Layout: layout, Precision: precision, weights: w, basis: basis}, nil
}

func checkWeights(dims rope.Dimensions, l Layout, w Weights) error {
	hidden := dims.HiddenSize
	want := []struct {
		name       string
		t          *tensor.Tensor
		rows, cols int
	}{
		{"q_proj", w.Q, l.NumHeads * l.HeadDim, hidden},
		{"k_proj", w.K, l.NumKeyValueHeads * l.HeadDim, hidden},
		{"v_proj", w.V, l.NumKeyValueHeads * l.HeadDim, hidden},
		{"o_proj", w.O, hidden, l.NumHeads * l.HeadDim},
	}
	for _, c := range want {
		if c.t == nil || c.t.Rank() != 2 || c.t.Dim(0) != c.rows || c.t.Dim(1) != c.cols {
			got := "nil"
			if c.t != nil {
				got = fmt.Sprint(c.t.Shape())
			}
			return tensor.ShapeErrorf("NewLayer", "%s is %s, want [%d %d]", c.name, got, c.rows, c.cols)
		}
	}
	return nil
}

// Basis returns the rotary basis currently in use.
func (l *Layer) Basis() *rope.Basis {
	return l.basis.Current()
}

// Forward runs attention over hidden [batch, seq, hidden]. positionIDs is
// [batch][seq]. A nil mask means plain causal masking.
func (l *Layer) Forward(hidden *tensor.Tensor, positionIDs [][]int, mask *tensor.Tensor) (*Output, error) {
	if err := tensor.ExpectRank("Forward", hidden, 3); err != nil {
		return nil, err
	}
	batch, seq := hidden.Dim(0), hidden.Dim(1)
	if hidden.Dim(2) != l.Dims.HiddenSize {
		return nil, tensor.ShapeErrorf("Forward", "hidden width %d != %d", hidden.Dim(2), l.Dims.HiddenSize)
	}
	if len(positionIDs) != batch {
		return nil, tensor.ShapeErrorf("Forward", "position ids batch %d != %d", len(positionIDs), batch)
	}

	maxPos := 0
	for _, row := range positionIDs {
		for _, p := range row {
			maxPos = max(maxPos, p)
		}
	}
	metrics.RecordContextLength(maxPos + 1)
	basis, err := l.basis.Ensure(maxPos + 1)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	q, k, v, err := l.project(hidden)
	if err != nil {
		return nil, err
	}
	metrics.RecordAttentionStage("project", time.Since(start))

	enc, err := rope.Encode(basis, positionIDs, l.Precision)
	if err != nil {
		return nil, err
	}
	q, k, err = rope.Apply(q, k, enc)
	if err != nil {
		return nil, err
	}

	if mask == nil {
		mask = CausalMask(batch, seq, seq, 0)
	}
	res, err := Score(q, k, v, mask, l.Layout.Scaling, l.Layout.NumKeyValueGroups, l.Precision)
	if err != nil {
		return nil, err
	}

	merged, err := mergeHeads(res.Output)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Linear(merged, l.weights.O)
	if err != nil {
		return nil, err
	}
	l.Precision.RoundInPlace(out.Data())

	result := &Output{Hidden: out}
	if l.ReturnWeights {
		result.Weights = res.Weights
	}
	return result, nil
}

func (l *Layer) project(hidden *tensor.Tensor) (q, k, v *tensor.Tensor, err error) {
	lay := l.Layout
	proj := func(w *tensor.Tensor, heads int) (*tensor.Tensor, error) {
		x, err := tensor.Linear(hidden, w)
		if err != nil {
			return nil, err
		}
		l.Precision.RoundInPlace(x.Data())
		return splitHeads(x, heads, lay.HeadDim)
	}
	if q, err = proj(l.weights.Q, lay.NumHeads); err != nil {
		return nil, nil, nil, err
	}
	if k, err = proj(l.weights.K, lay.NumKeyValueHeads); err != nil {
		return nil, nil, nil, err
	}
	if v, err = proj(l.weights.V, lay.NumKeyValueHeads); err != nil {
		return nil, nil, nil, err
	}
	return q, k, v, nil
}

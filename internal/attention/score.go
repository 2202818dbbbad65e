package attention

import (
	"time"

	"github.com/23skdu/longbow-rotary/internal/logger"
	"github.com/23skdu/longbow-rotary/internal/metrics"
	"github.com/23skdu/longbow-rotary/internal/tensor"
)

// Result is the attention output [batch, heads, seq, headDim] and the
// post-softmax weights [batch, heads, seq, kLen].
type Result struct {
	Output  *tensor.Tensor
	Weights *tensor.Tensor
}

// Score computes softmax(q @ kᵀ * scaling + mask) @ v. key and value carry
// heads/groups heads and are expanded with RepeatKV. mask may be nil.
// Scores are accumulated in float64, normalized in float64 and rounded to
// precision afterwards.
func Score(query, key, value, mask *tensor.Tensor, scaling float64, groups int, precision tensor.Precision) (*Result, error) {
	for _, x := range []*tensor.Tensor{query, key, value} {
		if err := tensor.ExpectRank("Score", x, 4); err != nil {
			return nil, err
		}
	}
	batch, heads, headDim := query.Dim(0), query.Dim(1), query.Dim(3)
	if groups < 1 || key.Dim(1)*groups != heads {
		return nil, tensor.ShapeErrorf("Score", "%d kv heads x %d groups != %d query heads", key.Dim(1), groups, heads)
	}
	if !tensor.SameShape(key, value) {
		return nil, tensor.ShapeErrorf("Score", "key %v and value %v differ", key.Shape(), value.Shape())
	}
	if key.Dim(0) != batch || key.Dim(3) != headDim {
		return nil, tensor.ShapeErrorf("Score", "key %v incompatible with query %v", key.Shape(), query.Shape())
	}

	start := time.Now()
	k, err := RepeatKV(key, groups)
	if err != nil {
		return nil, err
	}
	v, err := RepeatKV(value, groups)
	if err != nil {
		return nil, err
	}
	metrics.RecordAttentionStage("repeat_kv", time.Since(start))

	start = time.Now()
	scores, err := tensor.MatMulBatched(query, k, true)
	if err != nil {
		return nil, err
	}
	sd := scores.Data()
	s := float32(scaling)
	for i := range sd {
		sd[i] *= s
	}
	if mask != nil {
		if err := addMask(scores, mask); err != nil {
			return nil, err
		}
	}
	metrics.RecordAttentionStage("scores", time.Since(start))

	if nanCount, _ := tensor.CheckNumericalStability(sd); nanCount > 0 {
		metrics.RecordNumericalInstability("attention_scores", nanCount, 0)
		logger.Log.With("attention").Warn("NaN in attention scores", "count", nanCount, "shape", scores.Shape())
	}

	start = time.Now()
	tensor.SoftmaxLastAxis(scores)
	precision.RoundInPlace(sd)
	metrics.RecordAttentionStage("softmax", time.Since(start))

	start = time.Now()
	out, err := tensor.MatMulBatched(scores, v, false)
	if err != nil {
		return nil, err
	}
	precision.RoundInPlace(out.Data())
	metrics.RecordAttentionStage("weighted_sum", time.Since(start))

	if info := tensor.DetectNaN(out.Data(), 4); !info.IsValid() {
		metrics.RecordNumericalInstability("attention_output", info.Count, info.InfCount)
		logger.Log.With("attention").Warn("non-finite attention output",
			"nan", info.Count, "inf", info.InfCount, "positions", info.Positions)
	}

	return &Result{Output: out, Weights: scores}, nil
}

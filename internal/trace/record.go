// Package trace turns rotary encodings and attention weights into Arrow
// records and ships them to an Arrow Flight endpoint for offline
// comparison against reference implementations.
package trace

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-rotary/internal/rope"
	"github.com/23skdu/longbow-rotary/internal/tensor"
)

const (
	KindEncoding = "encoding"
	KindWeights  = "weights"
)

// Metadata keys attached to every record schema.
const (
	MetaKind             = "kind"
	MetaVariant          = "rope_variant"
	MetaFingerprint      = "basis_fingerprint"
	MetaRotaryDim        = "rotary_dim"
	MetaSeqLen           = "basis_seq_len"
	MetaAttentionScaling = "attention_scaling"
	MetaPrecision        = "precision"
	MetaLayer            = "layer"
	MetaRunID            = "run_id"
)

// Source describes where a traced tensor came from. RunID groups the
// records of one invocation.
type Source struct {
	Basis     *rope.Basis
	Precision tensor.Precision
	Layer     string
	RunID     string
}

func (s Source) metadata(kind string) arrow.Metadata {
	keys := []string{MetaKind, MetaPrecision, MetaLayer}
	vals := []string{kind, s.Precision.String(), s.Layer}
	if s.RunID != "" {
		keys = append(keys, MetaRunID)
		vals = append(vals, s.RunID)
	}
	if b := s.Basis; b != nil {
		keys = append(keys, MetaVariant, MetaFingerprint, MetaRotaryDim, MetaSeqLen, MetaAttentionScaling)
		vals = append(vals,
			b.Variant.String(),
			fmt.Sprintf("%016x", b.Fingerprint()),
			strconv.Itoa(b.RotaryDim),
			strconv.Itoa(b.SeqLen),
			strconv.FormatFloat(float64(b.AttentionScaling), 'g', -1, 32),
		)
	}
	return arrow.NewMetadata(keys, vals)
}

// EncodingSchema has one row per (batch, position) with cos and sin as
// fixed-size lists of rotaryDim values.
func EncodingSchema(rotaryDim int, md *arrow.Metadata) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
		{Name: "position", Type: arrow.PrimitiveTypes.Int32},
		{Name: "cos", Type: arrow.FixedSizeListOf(int32(rotaryDim), arrow.PrimitiveTypes.Float32)},
		{Name: "sin", Type: arrow.FixedSizeListOf(int32(rotaryDim), arrow.PrimitiveTypes.Float32)},
	}, md)
}

// WeightsSchema has one row per (batch, head, query) with the softmax
// weights over keys as a fixed-size list of kLen values.
func WeightsSchema(kLen int, md *arrow.Metadata) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
		{Name: "head", Type: arrow.PrimitiveTypes.Int32},
		{Name: "query", Type: arrow.PrimitiveTypes.Int32},
		{Name: "weights", Type: arrow.FixedSizeListOf(int32(kLen), arrow.PrimitiveTypes.Float32)},
	}, md)
}

// EncodingRecord converts enc into a record. positionIDs labels the rows
// and must be the ids enc was computed from. The caller releases the
// returned record.
func EncodingRecord(mem memory.Allocator, enc *rope.Encoding, positionIDs [][]int, src Source) (arrow.Record, error) {
	if enc == nil {
		return nil, fmt.Errorf("nil encoding")
	}
	if err := tensor.ExpectRank("EncodingRecord", enc.Cos, 3); err != nil {
		return nil, err
	}
	batch, seq, rd := enc.Cos.Dim(0), enc.Cos.Dim(1), enc.Cos.Dim(2)
	if len(positionIDs) != batch {
		return nil, tensor.ShapeErrorf("EncodingRecord", "position ids batch %d != %d", len(positionIDs), batch)
	}

	md := src.metadata(KindEncoding)
	b := array.NewRecordBuilder(mem, EncodingSchema(rd, &md))
	defer b.Release()

	batchCol := b.Field(0).(*array.Int32Builder)
	posCol := b.Field(1).(*array.Int32Builder)
	cosCol := b.Field(2).(*array.FixedSizeListBuilder)
	sinCol := b.Field(3).(*array.FixedSizeListBuilder)
	cosVals := cosCol.ValueBuilder().(*array.Float32Builder)
	sinVals := sinCol.ValueBuilder().(*array.Float32Builder)

	cos, sin := enc.Cos.Data(), enc.Sin.Data()
	for bi := 0; bi < batch; bi++ {
		if len(positionIDs[bi]) != seq {
			return nil, tensor.ShapeErrorf("EncodingRecord", "position ids row %d has %d entries, want %d", bi, len(positionIDs[bi]), seq)
		}
		for s := 0; s < seq; s++ {
			off := (bi*seq + s) * rd
			batchCol.Append(int32(bi))
			posCol.Append(int32(positionIDs[bi][s]))
			cosCol.Append(true)
			cosVals.AppendValues(cos[off:off+rd], nil)
			sinCol.Append(true)
			sinVals.AppendValues(sin[off:off+rd], nil)
		}
	}
	return b.NewRecord(), nil
}

// WeightsRecord converts attention weights [batch, heads, qLen, kLen] into
// a record. The caller releases the returned record.
func WeightsRecord(mem memory.Allocator, weights *tensor.Tensor, src Source) (arrow.Record, error) {
	if err := tensor.ExpectRank("WeightsRecord", weights, 4); err != nil {
		return nil, err
	}
	batch, heads, qLen, kLen := weights.Dim(0), weights.Dim(1), weights.Dim(2), weights.Dim(3)

	md := src.metadata(KindWeights)
	b := array.NewRecordBuilder(mem, WeightsSchema(kLen, &md))
	defer b.Release()

	batchCol := b.Field(0).(*array.Int32Builder)
	headCol := b.Field(1).(*array.Int32Builder)
	queryCol := b.Field(2).(*array.Int32Builder)
	wCol := b.Field(3).(*array.FixedSizeListBuilder)
	wVals := wCol.ValueBuilder().(*array.Float32Builder)

	rows := batch * heads * qLen
	batchCol.Reserve(rows)
	headCol.Reserve(rows)
	queryCol.Reserve(rows)
	wVals.Reserve(rows * kLen)

	d := weights.Data()
	for bi := 0; bi < batch; bi++ {
		for h := 0; h < heads; h++ {
			for q := 0; q < qLen; q++ {
				off := ((bi*heads+h)*qLen + q) * kLen
				batchCol.Append(int32(bi))
				headCol.Append(int32(h))
				queryCol.Append(int32(q))
				wCol.Append(true)
				wVals.AppendValues(d[off:off+kLen], nil)
			}
		}
	}
	return b.NewRecord(), nil
}

package rope

import "math"

// Dimensions are the model hyperparameters the rotary basis depends on.
type Dimensions struct {
	HiddenSize            int     `json:"hidden_size"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	NumKeyValueHeads      int     `json:"num_key_value_heads,omitempty"`
	HeadDim               int     `json:"head_dim,omitempty"`
	PartialRotaryFactor   float64 `json:"partial_rotary_factor,omitempty"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
}

// HeadDimension is HeadDim, or HiddenSize/NumAttentionHeads when unset.
func (d Dimensions) HeadDimension() int {
	if d.HeadDim > 0 {
		return d.HeadDim
	}
	if d.NumAttentionHeads <= 0 {
		return 0
	}
	return d.HiddenSize / d.NumAttentionHeads
}

// KeyValueHeads defaults to NumAttentionHeads (plain multi-head attention).
func (d Dimensions) KeyValueHeads() int {
	if d.NumKeyValueHeads > 0 {
		return d.NumKeyValueHeads
	}
	return d.NumAttentionHeads
}

func (d Dimensions) partialRotaryFactor() float64 {
	if d.PartialRotaryFactor > 0 {
		return d.PartialRotaryFactor
	}
	return 1.0
}

// RotaryDim is floor(headDim * partialRotaryFactor).
func (d Dimensions) RotaryDim() int {
	return int(math.Floor(float64(d.HeadDimension()) * d.partialRotaryFactor()))
}

func (d Dimensions) Validate() error {
	if d.NumAttentionHeads <= 0 {
		return invalidParameterf("num_attention_heads must be positive, got %d", d.NumAttentionHeads)
	}
	if d.NumKeyValueHeads < 0 {
		return invalidParameterf("num_key_value_heads must be positive, got %d", d.NumKeyValueHeads)
	}
	if d.NumAttentionHeads%d.KeyValueHeads() != 0 {
		return invalidParameterf("num_key_value_heads (%d) must evenly divide num_attention_heads (%d)",
			d.KeyValueHeads(), d.NumAttentionHeads)
	}
	if d.HeadDim == 0 && d.HiddenSize <= 0 {
		return invalidParameterf("hidden_size must be positive, got %d", d.HiddenSize)
	}
	if d.HeadDimension() <= 0 {
		return invalidParameterf("head_dim must be positive, got %d", d.HeadDimension())
	}
	if d.PartialRotaryFactor < 0 || d.PartialRotaryFactor > 1 {
		return invalidParameterf("partial_rotary_factor must be in (0, 1], got %v", d.PartialRotaryFactor)
	}
	rd := d.RotaryDim()
	if rd < 2 || rd%2 != 0 {
		return invalidParameterf("rotary dim %d must be even and >= 2", rd)
	}
	if d.MaxPositionEmbeddings <= 0 {
		return invalidParameterf("max_position_embeddings must be positive, got %d", d.MaxPositionEmbeddings)
	}
	return nil
}

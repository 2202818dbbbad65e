package rope

import (
	"fmt"
	"math"
	"strings"
)

// Variant selects how inverse frequencies are derived. LongRope and Llama3
// parse and validate but ComputeBasis rejects them.
type Variant int

const (
	Default Variant = iota
	Linear
	Dynamic
	Yarn
	LongRope
	Llama3
)

var variantNames = [...]string{
	Default:  "default",
	Linear:   "linear",
	Dynamic:  "dynamic",
	Yarn:     "yarn",
	LongRope: "longrope",
	Llama3:   "llama3",
}

func (v Variant) String() string {
	if v >= 0 && int(v) < len(variantNames) {
		return variantNames[v]
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

func ParseVariant(s string) (Variant, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return Default, nil
	}
	for v, n := range variantNames {
		if n == name {
			return Variant(v), nil
		}
	}
	return Default, invalidParameterf("unknown rope_type %q", s)
}

func (v Variant) MarshalText() ([]byte, error) {
	if v < 0 || int(v) >= len(variantNames) {
		return nil, invalidParameterf("unknown rope_type %d", int(v))
	}
	return []byte(variantNames[v]), nil
}

func (v *Variant) UnmarshalText(b []byte) error {
	parsed, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

const (
	DefaultTheta    = 10000.0
	DefaultBetaFast = 32.0
	DefaultBetaSlow = 1.0
)

// Parameters is the rope scaling configuration of a checkpoint. Optional
// fields are pointers so absence is distinguishable from zero.
type Parameters struct {
	Theta                         float64   `json:"rope_theta"`
	Type                          Variant   `json:"rope_type"`
	Factor                        *float64  `json:"factor,omitempty"`
	OriginalMaxPositionEmbeddings *int      `json:"original_max_position_embeddings,omitempty"`
	AttentionFactor               *float64  `json:"attention_factor,omitempty"`
	BetaFast                      *float64  `json:"beta_fast,omitempty"`
	BetaSlow                      *float64  `json:"beta_slow,omitempty"`
	ShortFactor                   []float64 `json:"short_factor,omitempty"`
	LongFactor                    []float64 `json:"long_factor,omitempty"`
	LowFreqFactor                 *float64  `json:"low_freq_factor,omitempty"`
	HighFreqFactor                *float64  `json:"high_freq_factor,omitempty"`
	MScale                        *float64  `json:"mscale,omitempty"`
	MScaleAllDim                  *float64  `json:"mscale_all_dim,omitempty"`
	Truncate                      *bool     `json:"truncate,omitempty"`
}

// Float returns a pointer to v, for literal Parameters.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

func (p *Parameters) betaFast() float64 {
	if p.BetaFast != nil {
		return *p.BetaFast
	}
	return DefaultBetaFast
}

func (p *Parameters) betaSlow() float64 {
	if p.BetaSlow != nil {
		return *p.BetaSlow
	}
	return DefaultBetaSlow
}

func (p *Parameters) truncate() bool {
	if p.Truncate != nil {
		return *p.Truncate
	}
	return true
}

// Validate checks field presence and ranges for p.Type. It never fills in
// defaults.
func (p *Parameters) Validate() error {
	if p == nil {
		return invalidParameterf("nil rope parameters")
	}
	if p.Theta == 0 {
		return &MissingParameterError{Variant: p.Type, Name: "rope_theta"}
	}
	if !(p.Theta > 0) || math.IsInf(p.Theta, 0) {
		return invalidParameterf("rope_theta must be a positive finite number, got %v", p.Theta)
	}

	switch p.Type {
	case Default:
		return nil
	case Linear, Dynamic:
		return p.requireFactor()
	case Yarn:
		if err := p.requireFactor(); err != nil {
			return err
		}
		if p.AttentionFactor != nil && !(*p.AttentionFactor > 0) {
			return invalidParameterf("yarn attention_factor must be > 0, got %v", *p.AttentionFactor)
		}
		if p.OriginalMaxPositionEmbeddings != nil && *p.OriginalMaxPositionEmbeddings <= 0 {
			return invalidParameterf("original_max_position_embeddings must be positive, got %d", *p.OriginalMaxPositionEmbeddings)
		}
		if p.betaFast() < p.betaSlow() {
			return invalidParameterf("yarn beta_fast (%v) must be >= beta_slow (%v)", p.betaFast(), p.betaSlow())
		}
		return nil
	case LongRope:
		if len(p.ShortFactor) == 0 {
			return &MissingParameterError{Variant: p.Type, Name: "short_factor"}
		}
		if len(p.LongFactor) == 0 {
			return &MissingParameterError{Variant: p.Type, Name: "long_factor"}
		}
		return nil
	case Llama3:
		if err := p.requireFactor(); err != nil {
			return err
		}
		if p.OriginalMaxPositionEmbeddings == nil {
			return &MissingParameterError{Variant: p.Type, Name: "original_max_position_embeddings"}
		}
		if p.LowFreqFactor == nil {
			return &MissingParameterError{Variant: p.Type, Name: "low_freq_factor"}
		}
		if p.HighFreqFactor == nil {
			return &MissingParameterError{Variant: p.Type, Name: "high_freq_factor"}
		}
		if *p.HighFreqFactor <= *p.LowFreqFactor {
			return invalidParameterf("llama3 high_freq_factor (%v) must be > low_freq_factor (%v)", *p.HighFreqFactor, *p.LowFreqFactor)
		}
		return nil
	default:
		return invalidParameterf("unknown rope_type %d", int(p.Type))
	}
}

func (p *Parameters) requireFactor() error {
	if p.Factor == nil {
		return &MissingParameterError{Variant: p.Type, Name: "factor"}
	}
	f := *p.Factor
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 1.0 {
		return &InvalidFactorError{Variant: p.Type, Reason: fmt.Sprintf("factor must be >= 1.0, got %v", f)}
	}
	return nil
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-rotary/internal/rope"
	"github.com/23skdu/longbow-rotary/internal/tensor"
)

type Config struct {
	Dimensions rope.Dimensions
	Rope       rope.Parameters
	Precision  tensor.Precision

	// MetricsAddr serves /metrics when non-empty.
	MetricsAddr string
	// TraceAddr is an Arrow Flight endpoint for encoding and weight traces.
	TraceAddr string
	LogLevel  string
	LogFormat string
}

func Default() Config {
	return Config{
		Rope:      rope.Parameters{Theta: rope.DefaultTheta, Type: rope.Default},
		Precision: tensor.Float32,
		LogLevel:  "info",
		LogFormat: "console",
	}
}

func (c *Config) Validate() error {
	if err := c.Dimensions.Validate(); err != nil {
		return errors.Wrap(err, "invalid dimensions")
	}
	if err := c.Rope.Validate(); err != nil {
		return errors.Wrap(err, "invalid rope parameters")
	}
	switch c.Precision {
	case tensor.Float32, tensor.Float16, tensor.BFloat16:
	default:
		return fmt.Errorf("invalid precision: %v", c.Precision)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %q (must be console or json)", c.LogFormat)
	}
	return nil
}

// Load reads a checkpoint config.json from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}

// fileConfig is the subset of a Hugging Face config.json that shapes
// attention. Rope settings appear either flat next to rope_theta or nested
// under rope_scaling (older checkpoints) or rope_parameters (newer ones).
type fileConfig struct {
	rope.Dimensions
	RopeTheta      *float64        `json:"rope_theta"`
	TorchDType     string          `json:"torch_dtype"`
	DType          string          `json:"dtype"`
	RopeScaling    json.RawMessage `json:"rope_scaling"`
	RopeParameters json.RawMessage `json:"rope_parameters"`
}

type ropeSection struct {
	rope.Parameters
	// RopeType shadows the embedded field so an explicit "default" can be
	// told apart from an absent key.
	RopeType *rope.Variant `json:"rope_type"`
	// LegacyType is the pre-rope_type spelling used by older checkpoints.
	LegacyType *rope.Variant `json:"type"`
}

// Parse decodes config.json bytes. Fields it does not describe keep their
// Default values; the result is validated.
func Parse(data []byte) (*Config, error) {
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, errors.Wrap(err, "decoding config json")
	}

	cfg := Default()
	cfg.Dimensions = fc.Dimensions
	if fc.RopeTheta != nil {
		cfg.Rope.Theta = *fc.RopeTheta
	}

	for _, section := range []struct {
		key string
		raw json.RawMessage
	}{
		{"rope_scaling", fc.RopeScaling},
		{"rope_parameters", fc.RopeParameters},
	} {
		if isNull(section.raw) {
			continue
		}
		params, err := parseRope(section.raw, cfg.Rope.Theta)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %s", section.key)
		}
		cfg.Rope = params
	}

	dtype := fc.TorchDType
	if dtype == "" {
		dtype = fc.DType
	}
	p, err := tensor.ParsePrecision(dtype)
	if err != nil {
		return nil, errors.Wrap(err, "decoding torch_dtype")
	}
	cfg.Precision = p

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseRope(raw json.RawMessage, theta float64) (rope.Parameters, error) {
	var rs ropeSection
	if err := json.Unmarshal(raw, &rs); err != nil {
		return rope.Parameters{}, err
	}
	p := rs.Parameters
	switch {
	case rs.RopeType != nil:
		p.Type = *rs.RopeType
	case rs.LegacyType != nil:
		p.Type = *rs.LegacyType
	}
	if p.Theta == 0 {
		p.Theta = theta
	}
	return p, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// RopeJSON renders the rope parameters the way they appear under
// rope_parameters, for logs and trace metadata.
func (c *Config) RopeJSON() (string, error) {
	b, err := json.Marshal(&c.Rope)
	if err != nil {
		return "", errors.Wrap(err, "encoding rope parameters")
	}
	return string(b), nil
}

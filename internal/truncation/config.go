package truncation

import (
	"errors"
	"fmt"
)

// Config controls a truncation pass. Sizes are in size units (characters of
// rendered output, see RecordSize).
type Config struct {
	// MaxOutputLength is the total size budget for the whole chain.
	MaxOutputLength int `toml:"max_output_length" json:"max_output_length"`
	// GradientStrength steepens the preservation gradient. Higher values
	// concentrate truncation on the middle of the chain.
	GradientStrength float64 `toml:"gradient_strength" json:"gradient_strength"`
	// MinPreservationRate is the share of each record that always survives.
	MinPreservationRate float64 `toml:"min_preservation_rate" json:"min_preservation_rate"`
	// MaxTruncationRate caps the share of each record that may be cut.
	MaxTruncationRate float64 `toml:"max_truncation_rate" json:"max_truncation_rate"`
	// StartLines and EndLines are kept verbatim by truncate-middle.
	StartLines int `toml:"start_lines" json:"start_lines"`
	EndLines   int `toml:"end_lines" json:"end_lines"`
	// MinGain skips element assignments smaller than this.
	MinGain int `toml:"min_gain" json:"min_gain"`
	// ElementShare caps how much of one element a plan may cut.
	ElementShare float64 `toml:"element_share" json:"element_share"`
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxOutputLength:     300_000,
		GradientStrength:    2.0,
		MinPreservationRate: 0.9,
		MaxTruncationRate:   0.7,
		StartLines:          5,
		EndLines:            5,
		MinGain:             10,
		ElementShare:        0.7,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.MaxOutputLength <= 0 {
		errs = append(errs, fmt.Errorf("max_output_length must be positive, got %d", c.MaxOutputLength))
	}
	if c.GradientStrength < 0 {
		errs = append(errs, fmt.Errorf("gradient_strength must not be negative, got %v", c.GradientStrength))
	}
	if c.MinPreservationRate < 0 || c.MinPreservationRate > 1 {
		errs = append(errs, fmt.Errorf("min_preservation_rate must be in [0,1], got %v", c.MinPreservationRate))
	}
	if c.MaxTruncationRate < 0 || c.MaxTruncationRate >= 1 {
		errs = append(errs, fmt.Errorf("max_truncation_rate must be in [0,1), got %v", c.MaxTruncationRate))
	}
	if c.StartLines < 0 || c.EndLines < 0 {
		errs = append(errs, errors.New("start_lines and end_lines must not be negative"))
	}
	if c.MinGain < 0 {
		errs = append(errs, fmt.Errorf("min_gain must not be negative, got %d", c.MinGain))
	}
	if c.ElementShare <= 0 || c.ElementShare > 1 {
		errs = append(errs, fmt.Errorf("element_share must be in (0,1], got %v", c.ElementShare))
	}
	return errors.Join(errs...)
}

// sanitized replaces every invalid field with its default, so a bad config
// degrades output instead of failing the pass.
func (c Config) sanitized() (Config, []string) {
	d := DefaultConfig()
	var notes []string
	fix := func(bad bool, name string, apply func()) {
		if bad {
			apply()
			notes = append(notes, "invalid "+name+", using default")
		}
	}
	fix(c.MaxOutputLength <= 0, "max_output_length", func() { c.MaxOutputLength = d.MaxOutputLength })
	fix(c.GradientStrength < 0, "gradient_strength", func() { c.GradientStrength = d.GradientStrength })
	fix(c.MinPreservationRate < 0 || c.MinPreservationRate > 1, "min_preservation_rate", func() { c.MinPreservationRate = d.MinPreservationRate })
	fix(c.MaxTruncationRate < 0 || c.MaxTruncationRate >= 1, "max_truncation_rate", func() { c.MaxTruncationRate = d.MaxTruncationRate })
	fix(c.StartLines < 0, "start_lines", func() { c.StartLines = d.StartLines })
	fix(c.EndLines < 0, "end_lines", func() { c.EndLines = d.EndLines })
	fix(c.MinGain < 0, "min_gain", func() { c.MinGain = d.MinGain })
	fix(c.ElementShare <= 0 || c.ElementShare > 1, "element_share", func() { c.ElementShare = d.ElementShare })
	return c, notes
}

// budgetCap is the largest share of a record that may be cut. Both clamps
// are upper bounds on the budget, so the smaller one satisfies both.
func (c Config) budgetCap() float64 {
	limit := c.MaxTruncationRate
	if keep := 1 - c.MinPreservationRate; keep < limit {
		limit = keep
	}
	if limit < 0 {
		return 0
	}
	return limit
}

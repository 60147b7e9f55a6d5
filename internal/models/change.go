package models

import (
	"errors"
	"math"
	"time"
)

// PriceChange represents a significant swing of a cluster's clearing price within a window.
// Magnitude is the absolute price difference relative to the width of the market basis range.
type PriceChange struct {
	ClusterID  string        `json:"cluster_id"`
	Commodity  string        `json:"commodity"`
	Currency   string        `json:"currency"`
	Magnitude  float64       `json:"magnitude"`
	Direction  string        `json:"direction"` // "increase" or "decrease"
	OldPrice   float64       `json:"old_price"`
	NewPrice   float64       `json:"new_price"`
	PriceRange float64       `json:"price_range"`
	TimeWindow time.Duration `json:"time_window"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Validate checks that all change fields are valid
func (c *PriceChange) Validate() error {
	if c.ClusterID == "" {
		return errors.New("cluster ID must not be empty")
	}
	if c.PriceRange <= 0 {
		return errors.New("price range must be positive")
	}
	if c.Magnitude < 0.0 || c.Magnitude > 1.0 {
		return errors.New("magnitude must be between 0.0 and 1.0")
	}

	expectedMagnitude := math.Abs(c.NewPrice-c.OldPrice) / c.PriceRange
	if math.Abs(c.Magnitude-expectedMagnitude) > 0.001 {
		return errors.New("magnitude must equal |new_price - old_price| / price_range")
	}

	if c.Direction != "increase" && c.Direction != "decrease" {
		return errors.New("direction must be 'increase' or 'decrease'")
	}
	if c.DetectedAt.After(time.Now()) {
		return errors.New("detected at must not be in the future")
	}
	return nil
}

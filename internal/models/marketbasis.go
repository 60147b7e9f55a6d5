// Package models defines the core domain entities of a demand-response market cluster.
// These models describe the market a cluster trades in, the demand curves agents submit,
// and the prices the auctioneer broadcasts back down the tree.
// All models include built-in validation to ensure data integrity throughout the cluster.
//
// Terminology:
//   - MarketBasis: the commodity, currency and discrete price axis shared by a cluster.
//   - Bid: a non-increasing demand curve, one value per price step.
//   - PriceUpdate: a clearing price tagged with the bid number it answers.
package models

import (
	"fmt"
	"math"
)

// MarketBasis describes the discrete price axis every bid in a cluster is expressed on.
// Two bids can only be aggregated when their market bases are equal.
type MarketBasis struct {
	Commodity    string  `json:"commodity"`
	Currency     string  `json:"currency"`
	PriceSteps   int     `json:"price_steps"`
	MinimumPrice float64 `json:"minimum_price"`
	MaximumPrice float64 `json:"maximum_price"`
}

// NewMarketBasis creates a validated MarketBasis.
func NewMarketBasis(commodity, currency string, priceSteps int, minimumPrice, maximumPrice float64) (MarketBasis, error) {
	mb := MarketBasis{
		Commodity:    commodity,
		Currency:     currency,
		PriceSteps:   priceSteps,
		MinimumPrice: minimumPrice,
		MaximumPrice: maximumPrice,
	}
	if err := mb.Validate(); err != nil {
		return MarketBasis{}, err
	}
	return mb, nil
}

// Validate checks that all market basis fields are valid
func (mb MarketBasis) Validate() error {
	if mb.Commodity == "" {
		return fmt.Errorf("%w: commodity must not be empty", ErrInvalidMarketBasis)
	}
	if mb.Currency == "" {
		return fmt.Errorf("%w: currency must not be empty", ErrInvalidMarketBasis)
	}
	if mb.PriceSteps < 2 {
		return fmt.Errorf("%w: price steps must be at least 2, got %d", ErrInvalidMarketBasis, mb.PriceSteps)
	}
	if math.IsNaN(mb.MinimumPrice) || math.IsNaN(mb.MaximumPrice) || mb.MinimumPrice >= mb.MaximumPrice {
		return fmt.Errorf("%w: minimum price %v must be below maximum price %v",
			ErrInvalidMarketBasis, mb.MinimumPrice, mb.MaximumPrice)
	}
	return nil
}

// Equal reports whether two market bases are compatible.
func (mb MarketBasis) Equal(other MarketBasis) bool {
	return mb == other
}

// IsZero reports whether the market basis is unset.
func (mb MarketBasis) IsZero() bool {
	return mb == MarketBasis{}
}

// PriceIncrement is the price distance between two adjacent steps.
func (mb MarketBasis) PriceIncrement() float64 {
	return (mb.MaximumPrice - mb.MinimumPrice) / float64(mb.PriceSteps-1)
}

// PriceOfStep returns the price at step i. The last step is exactly MaximumPrice.
func (mb MarketBasis) PriceOfStep(i int) float64 {
	if i <= 0 {
		return mb.MinimumPrice
	}
	if i >= mb.PriceSteps-1 {
		return mb.MaximumPrice
	}
	return mb.MinimumPrice + float64(i)*mb.PriceIncrement()
}

// StepOfPrice returns the nearest step for a price, clamped to the axis.
func (mb MarketBasis) StepOfPrice(price float64) int {
	step := int(math.Round((price - mb.MinimumPrice) / mb.PriceIncrement()))
	if step < 0 {
		return 0
	}
	if step > mb.PriceSteps-1 {
		return mb.PriceSteps - 1
	}
	return step
}

func (mb MarketBasis) String() string {
	return fmt.Sprintf("MarketBasis{%s/%s, %d steps, %v..%v}",
		mb.Commodity, mb.Currency, mb.PriceSteps, mb.MinimumPrice, mb.MaximumPrice)
}

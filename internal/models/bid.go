package models

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Bid is a demand curve over the price steps of a MarketBasis. Demand is positive for
// consumption and negative for production, and never increases as the price rises.
// Bids are immutable: the demand slice is copied on the way in and on the way out.
type Bid struct {
	MarketBasis MarketBasis
	BidNumber   int64
	demand      []float64
}

// NewBid creates a validated Bid. The demand slice is copied.
func NewBid(mb MarketBasis, demand []float64, bidNumber int64) (Bid, error) {
	if err := validateDemand(mb, demand); err != nil {
		return Bid{}, err
	}
	return Bid{MarketBasis: mb, BidNumber: bidNumber, demand: append([]float64(nil), demand...)}, nil
}

// Validate checks the curve against the bid's current market basis.
func (b Bid) Validate() error {
	return validateDemand(b.MarketBasis, b.demand)
}

func validateDemand(mb MarketBasis, demand []float64) error {
	if err := mb.Validate(); err != nil {
		return err
	}
	if len(demand) != mb.PriceSteps {
		return fmt.Errorf("%w: demand has %d values, market basis has %d price steps",
			ErrInvalidBid, len(demand), mb.PriceSteps)
	}
	for i, d := range demand {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return fmt.Errorf("%w: demand at step %d is not finite", ErrInvalidBid, i)
		}
		if i > 0 && d > demand[i-1] {
			return fmt.Errorf("%w: demand increases at step %d (%v > %v)", ErrInvalidBid, i, d, demand[i-1])
		}
	}
	return nil
}

// FlatDemand returns a bid with the same demand at every price step. It is not
// validated; a non-finite demand is rejected when the bid is sent.
func FlatDemand(mb MarketBasis, demand float64) Bid {
	d := make([]float64, mb.PriceSteps)
	for i := range d {
		d[i] = demand
	}
	return Bid{MarketBasis: mb, demand: d}
}

// ZeroBid returns the bid of an agent that neither consumes nor produces.
func ZeroBid(mb MarketBasis) Bid {
	return FlatDemand(mb, 0)
}

// Demand returns a copy of the demand curve.
func (b Bid) Demand() []float64 {
	return append([]float64(nil), b.demand...)
}

// DemandAt returns the demand at a price step.
func (b Bid) DemandAt(step int) float64 {
	return b.demand[step]
}

// DemandAtPrice returns the demand at the step nearest to price.
func (b Bid) DemandAtPrice(price float64) float64 {
	return b.demand[b.MarketBasis.StepOfPrice(price)]
}

// MaximumDemand is the demand at the lowest price.
func (b Bid) MaximumDemand() float64 {
	if len(b.demand) == 0 {
		return 0
	}
	return b.demand[0]
}

// MinimumDemand is the demand at the highest price.
func (b Bid) MinimumDemand() float64 {
	if len(b.demand) == 0 {
		return 0
	}
	return b.demand[len(b.demand)-1]
}

// WithBidNumber returns a copy of the bid carrying bidNumber.
func (b Bid) WithBidNumber(bidNumber int64) Bid {
	b.BidNumber = bidNumber
	return b
}

// Add returns the per-step sum of two bids. The result carries no bid number.
func (b Bid) Add(other Bid) (Bid, error) {
	if !b.MarketBasis.Equal(other.MarketBasis) {
		return Bid{}, fmt.Errorf("%w: %s vs %s", ErrMarketBasisMismatch, b.MarketBasis, other.MarketBasis)
	}
	sum := make([]float64, len(b.demand))
	for i := range sum {
		sum[i] = b.demand[i] + other.demand[i]
	}
	return Bid{MarketBasis: b.MarketBasis, demand: sum}, nil
}

// Equal reports whether two bids have the same basis, number and curve.
func (b Bid) Equal(other Bid) bool {
	if !b.MarketBasis.Equal(other.MarketBasis) || b.BidNumber != other.BidNumber || len(b.demand) != len(other.demand) {
		return false
	}
	for i := range b.demand {
		if b.demand[i] != other.demand[i] {
			return false
		}
	}
	return true
}

func (b Bid) String() string {
	return fmt.Sprintf("Bid{#%d, %s, demand %v..%v}", b.BidNumber, b.MarketBasis.Commodity, b.MaximumDemand(), b.MinimumDemand())
}

type bidJSON struct {
	MarketBasis MarketBasis `json:"market_basis"`
	BidNumber   int64       `json:"bid_number"`
	Demand      []float64   `json:"demand"`
}

// MarshalJSON encodes the bid including its demand curve.
func (b Bid) MarshalJSON() ([]byte, error) {
	return json.Marshal(bidJSON{MarketBasis: b.MarketBasis, BidNumber: b.BidNumber, Demand: b.demand})
}

// UnmarshalJSON decodes and validates a bid.
func (b *Bid) UnmarshalJSON(data []byte) error {
	var raw bidJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := NewBid(raw.MarketBasis, raw.Demand, raw.BidNumber)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// PointBidBuilder builds a bid from (price, demand) points. Between points demand is
// interpolated linearly; outside them it is held at the nearest point's demand.
type PointBidBuilder struct {
	mb     MarketBasis
	points []point
}

type point struct {
	price  float64
	demand float64
}

// NewPointBidBuilder starts a builder for the given market basis.
func NewPointBidBuilder(mb MarketBasis) *PointBidBuilder {
	return &PointBidBuilder{mb: mb}
}

// Add appends a point.
func (b *PointBidBuilder) Add(price, demand float64) *PointBidBuilder {
	b.points = append(b.points, point{price: price, demand: demand})
	return b
}

// Build produces the bid. At least one point is required and demand must not increase with price.
func (b *PointBidBuilder) Build() (Bid, error) {
	if len(b.points) == 0 {
		return Bid{}, fmt.Errorf("%w: point bid needs at least one point", ErrInvalidBid)
	}
	pts := append([]point(nil), b.points...)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].price < pts[j].price })
	for i := 1; i < len(pts); i++ {
		if pts[i].demand > pts[i-1].demand {
			return Bid{}, fmt.Errorf("%w: demand increases between price %v and %v",
				ErrInvalidBid, pts[i-1].price, pts[i].price)
		}
	}

	demand := make([]float64, b.mb.PriceSteps)
	for step := range demand {
		demand[step] = interpolate(pts, b.mb.PriceOfStep(step))
		// interpolation rounding must not break the non-increasing shape
		if step > 0 && demand[step] > demand[step-1] {
			demand[step] = demand[step-1]
		}
	}
	return NewBid(b.mb, demand, 0)
}

func interpolate(pts []point, price float64) float64 {
	if price <= pts[0].price {
		return pts[0].demand
	}
	last := pts[len(pts)-1]
	if price >= last.price {
		return last.demand
	}
	for i := 1; i < len(pts); i++ {
		lo, hi := pts[i-1], pts[i]
		if price > hi.price {
			continue
		}
		if hi.price == lo.price {
			return hi.demand
		}
		frac := (price - lo.price) / (hi.price - lo.price)
		return lo.demand + frac*(hi.demand-lo.demand)
	}
	return last.demand
}

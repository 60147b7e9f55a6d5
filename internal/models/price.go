package models

import (
	"fmt"
	"math"
)

// Price is a clearing price on a MarketBasis.
type Price struct {
	MarketBasis MarketBasis `json:"market_basis"`
	Value       float64     `json:"value"`
}

// NewPrice creates a price, rejecting values outside the market basis range.
func NewPrice(mb MarketBasis, value float64) (Price, error) {
	if math.IsNaN(value) || value < mb.MinimumPrice || value > mb.MaximumPrice {
		return Price{}, fmt.Errorf("%w: %v not in [%v, %v]", ErrPriceOutOfRange, value, mb.MinimumPrice, mb.MaximumPrice)
	}
	return Price{MarketBasis: mb, Value: value}, nil
}

// PriceUpdate is a price addressed to one session, tagged with the number of the
// bid from that session it answers. The number never exceeds the last bid the
// receiving agent sent on the session.
type PriceUpdate struct {
	Price     Price `json:"price"`
	BidNumber int64 `json:"bid_number"`
}

func (pu PriceUpdate) String() string {
	return fmt.Sprintf("PriceUpdate{%v %s, bid #%d}", pu.Price.Value, pu.Price.MarketBasis.Currency, pu.BidNumber)
}

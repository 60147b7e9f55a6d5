package agent

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/scheduler"
	"github.com/rewired-gh/powermatcher/internal/session"
)

var smallBasis = models.MarketBasis{Commodity: "electricity", Currency: "EUR", PriceSteps: 8, MinimumPrice: 0, MaximumPrice: 7}

// demandCurve draws a non-increasing integer curve on smallBasis.
func demandCurve(t *rapid.T, label string) []float64 {
	start := rapid.IntRange(-1000, 1000).Draw(t, label+"-start")
	curve := make([]float64, smallBasis.PriceSteps)
	cur := start
	for i := range curve {
		curve[i] = float64(cur)
		cur -= rapid.IntRange(0, 300).Draw(t, fmt.Sprintf("%s-drop%d", label, i))
	}
	return curve
}

func aggregateOf(t *rapid.T, curves [][]float64, order []int) models.Bid {
	sched := scheduler.NewManual(epoch)
	mgr := session.NewManager()
	auc, err := NewAuctioneer(AuctioneerConfig{AgentID: "auctioneer", ClusterID: "c", MarketBasis: smallBasis}, sched)
	if err != nil {
		t.Fatalf("auctioneer: %v", err)
	}
	if err := mgr.RegisterMatcher(auc); err != nil {
		t.Fatalf("register: %v", err)
	}

	leaves := make([]*BaseAgent, len(curves))
	for i := range curves {
		leaves[i] = NewBaseAgent(fmt.Sprintf("leaf-%d", i), "auctioneer", sched)
		if err := mgr.RegisterAgent(leaves[i]); err != nil {
			t.Fatalf("register leaf: %v", err)
		}
	}
	for _, i := range order {
		bid, err := models.NewBid(smallBasis, curves[i], 0)
		if err != nil {
			t.Fatalf("bid: %v", err)
		}
		if err := leaves[i].PublishBid(bid); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	agg, ok := auc.LastAggregate()
	if !ok {
		t.Fatalf("no aggregate")
	}
	return agg
}

// Submitting the same set of child bids in any order yields the same aggregate curve.
func TestAggregationIsOrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "children")
		curves := make([][]float64, n)
		for i := range curves {
			curves[i] = demandCurve(t, fmt.Sprintf("child%d", i))
		}
		order := rapid.Permutation(identity(n)).Draw(t, "order")

		a := aggregateOf(t, curves, identity(n))
		b := aggregateOf(t, curves, order)

		want := make([]float64, smallBasis.PriceSteps)
		for _, c := range curves {
			for i := range want {
				want[i] += c[i]
			}
		}
		for i := range want {
			if a.DemandAt(i) != want[i] || b.DemandAt(i) != want[i] {
				t.Fatalf("step %d: got %v and %v, want %v", i, a.DemandAt(i), b.DemandAt(i), want[i])
			}
		}
	})
}

// The price found is the lowest step with non-positive demand, or the maximum price.
func TestDeterminePriceRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		curve := demandCurve(t, "aggregate")
		bid, err := models.NewBid(smallBasis, curve, 1)
		if err != nil {
			t.Fatalf("bid: %v", err)
		}

		price := DeterminePrice(bid)
		step := smallBasis.StepOfPrice(price.Value)
		if price.Value < smallBasis.MinimumPrice || price.Value > smallBasis.MaximumPrice {
			t.Fatalf("price %v out of range", price.Value)
		}
		if curve[step] > 0 {
			if step != smallBasis.PriceSteps-1 {
				t.Fatalf("positive demand %v at chosen step %d", curve[step], step)
			}
			for i, d := range curve {
				if d <= 0 {
					t.Fatalf("clamped to max although step %d has demand %v", i, d)
				}
			}
			return
		}
		if step > 0 && curve[step-1] <= 0 {
			t.Fatalf("step %d is not the lowest non-positive step", step)
		}
	})
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

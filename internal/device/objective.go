package device

import (
	"sync"

	"github.com/rewired-gh/powermatcher/internal/agent"
	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/observer"
	"github.com/rewired-gh/powermatcher/internal/scheduler"
)

// ObjectiveAgent steers a cluster towards self consumption. It watches the aggregates
// of a matcher and, when the cluster can produce more than Threshold, asks for
// ObjectiveDemand so the surplus is absorbed; otherwise it bids zero.
type ObjectiveAgent struct {
	*agent.BaseAgent

	sched           scheduler.Scheduler
	matcherID       string
	threshold       float64
	objectiveDemand float64

	mu      sync.Mutex
	current *float64
}

// NewObjectiveAgent creates an objective agent that watches aggregates produced by matcherID.
// Subscribe it to that matcher with AddObserver.
func NewObjectiveAgent(agentID, desiredParentID, matcherID string, threshold, objectiveDemand float64, sched scheduler.Scheduler) *ObjectiveAgent {
	return &ObjectiveAgent{
		BaseAgent:       agent.NewBaseAgent(agentID, desiredParentID, sched),
		sched:           sched,
		matcherID:       matcherID,
		threshold:       threshold,
		objectiveDemand: objectiveDemand,
	}
}

// HandleEvent reacts to aggregates of the watched matcher. The bid is sent from a
// scheduled callback because the event is delivered while the matcher is publishing.
func (o *ObjectiveAgent) HandleEvent(e observer.Event) {
	if e.Type != observer.AggregatedBid || e.AgentID != o.matcherID || e.Bid == nil {
		return
	}
	agg := *e.Bid
	o.sched.Schedule(0, func() { o.steer(agg) })
}

func (o *ObjectiveAgent) steer(aggregate models.Bid) {
	st := o.Status()
	if !st.Connected || !aggregate.MarketBasis.Equal(st.MarketBasis) {
		return
	}

	o.mu.Lock()
	// our own contribution must not feed back into the decision
	own := 0.0
	if o.current != nil {
		own = *o.current
	}
	want := 0.0
	if aggregate.MinimumDemand()-own < -o.threshold {
		want = o.objectiveDemand
	}
	if o.current != nil && *o.current == want {
		o.mu.Unlock()
		return
	}
	previous := o.current
	o.current = &want
	o.mu.Unlock()

	if err := o.PublishBid(models.FlatDemand(st.MarketBasis, want)); err != nil {
		logger.Debug("Objective agent %s could not publish: %v", o.AgentID(), err)
		o.mu.Lock()
		o.current = previous
		o.mu.Unlock()
	}
}

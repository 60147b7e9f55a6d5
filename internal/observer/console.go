package observer

import (
	"fmt"

	"github.com/rewired-gh/powermatcher/internal/logger"
)

// Console logs every event it receives at info level.
type Console struct{}

// HandleEvent logs e.
func (Console) HandleEvent(e Event) {
	logger.Info("%s", Describe(e))
}

// Describe renders an event as a single human readable line.
func Describe(e Event) string {
	prefix := fmt.Sprintf("[%s] %s agent=%s", e.ClusterID, e.Type, e.AgentID)
	if e.SessionID != "" {
		prefix += " session=" + e.SessionID
	}
	switch {
	case e.Bid != nil:
		return fmt.Sprintf("%s bid=#%d demand=%v..%v", prefix, e.Bid.BidNumber, e.Bid.MaximumDemand(), e.Bid.MinimumDemand())
	case e.PriceUpdate != nil:
		return fmt.Sprintf("%s price=%v bid=#%d", prefix, e.PriceUpdate.Price.Value, e.PriceUpdate.BidNumber)
	case e.Reason != "":
		return fmt.Sprintf("%s reason=%q", prefix, e.Reason)
	default:
		return prefix
	}
}

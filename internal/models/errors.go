package models

import "errors"

// Protocol and topology errors. Callers wrap them with context and match with errors.Is.
var (
	// ErrDuplicateRegistration is returned when a matcher or agent identifier is already registered.
	ErrDuplicateRegistration = errors.New("duplicate registration")
	// ErrMarketBasisMismatch is returned when a bid's market basis differs from the cluster's.
	ErrMarketBasisMismatch = errors.New("market basis mismatch")
	// ErrStaleBid is returned for a bid whose number is not above the last accepted one.
	ErrStaleBid = errors.New("stale bid")
	// ErrBidTimeout marks a child bid that expired and now counts as zero demand.
	ErrBidTimeout = errors.New("bid timeout")
	// ErrSessionNotConnected is returned for traffic on a session that is not connected.
	ErrSessionNotConnected = errors.New("session not connected")
	// ErrMatcherNotReady is returned by a matcher that cannot accept agents yet.
	ErrMatcherNotReady = errors.New("matcher not ready")
	// ErrTopologyCycle is returned when the declared parent chain loops back onto itself.
	ErrTopologyCycle = errors.New("topology cycle")

	ErrInvalidMarketBasis = errors.New("invalid market basis")
	ErrInvalidBid         = errors.New("invalid bid")
	ErrPriceOutOfRange    = errors.New("price out of range")
)

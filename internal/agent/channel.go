package agent

import "errors"

// ErrChannelClosed is returned by channel implementations after Close.
var ErrChannelClosed = errors.New("agent channel closed")

// Channel is the outbound transport toward the background caching agent.
// Send is fire-and-forget: the platform guarantees neither delivery nor
// ordering, and responses arrive separately through AgentCache.HandleMessage.
// Injecting the channel (instead of a global listener registry) lets tests
// substitute a fake transport.
type Channel interface {
	// Send dispatches a message to the agent.
	Send(msg Message) error

	// Ready reports whether the agent is currently reachable. Strategies
	// check this per call since reachability can change between calls.
	Ready() bool
}

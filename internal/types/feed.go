package types

// FeedState is the state of the upstream feed connection.
type FeedState string

const (
	// FeedStateDisconnected is the initial state before the first connect attempt.
	FeedStateDisconnected FeedState = "disconnected"

	// FeedStateConnecting indicates a dial or subscription attempt is in progress,
	// or the connection is waiting out the reconnect delay.
	FeedStateConnecting FeedState = "connecting"

	// FeedStateSubscribed indicates the subscription was sent and messages are flowing.
	FeedStateSubscribed FeedState = "subscribed"

	// FeedStateStopped is terminal and only reached by shutdown.
	FeedStateStopped FeedState = "stopped"
)

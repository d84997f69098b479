package domain

import "time"

// ConnectionState is the per-account connection lifecycle. Transitions:
// PENDING -> AWAITING_USER_ACTION -> CONNECTED; any state -> FAILED on
// error; CONNECTED -> DISCONNECTED on explicit disconnect. No transition
// skips PENDING.
type ConnectionState string

const (
	StateConnPending      ConnectionState = "PENDING"
	StateAwaitingUser     ConnectionState = "AWAITING_USER_ACTION"
	StateConnected        ConnectionState = "CONNECTED"
	StateDisconnected     ConnectionState = "DISCONNECTED"
	StateConnectionFailed ConnectionState = "FAILED"
)

// ChannelAccount identifies one connected external account for one channel
// type. Accounts are created on first connect, mutated only by the
// connection manager, and never hard-deleted.
type ChannelAccount struct {
	Channel    Channel         `json:"channel"`
	AccountID  string          `json:"accountId"`
	State      ConnectionState `json:"connectionState"`
	LastSeenAt time.Time       `json:"lastSeenAt"`
}

// ConnectionStateEvent is published on channels.connection.state.changed for
// every state transition of a channel account.
type ConnectionStateEvent struct {
	Channel          Channel         `json:"channel"`
	AccountID        string          `json:"accountId"`
	ConnectRequestID string          `json:"connectRequestId,omitempty"`
	State            ConnectionState `json:"state"`
	Reason           *StatusReason   `json:"reason,omitempty"`
	OccurredAt       time.Time       `json:"occurredAt"`
}

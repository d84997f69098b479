package domain

import "time"

// DeliveryStatus is the lifecycle of an outbound message as reported by the
// provider.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "PENDING"
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusRead      DeliveryStatus = "READ"
	StatusFailed    DeliveryStatus = "FAILED"
)

// Final reports whether no further transitions are expected.
func (s DeliveryStatus) Final() bool {
	return s == StatusRead || s == StatusFailed
}

// StatusReason explains a FAILED (or otherwise noteworthy) transition.
type StatusReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeliveryStatusEvent is published on messages.delivery.status.updated at
// least once per meaningful transition. Duplicates are possible under
// redelivery; consumers must tolerate them.
type DeliveryStatusEvent struct {
	Channel           Channel             `json:"channel"`
	AccountID         string              `json:"accountId"`
	DeliveryRequestID string              `json:"deliveryRequestId,omitempty"`
	ExternalMessage   *ExternalMessageRef `json:"externalMessageRef,omitempty"`
	Status            DeliveryStatus      `json:"status"`
	Reason            *StatusReason       `json:"reason,omitempty"`
	IsFinal           bool                `json:"isFinal"`
	OccurredAt        time.Time           `json:"occurredAt"`
}

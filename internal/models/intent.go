package models

import "time"

// Intent is a desired outcome whose fulfillment is the aggregate of its
// linked signals' health. FulfillmentScore and AggregateHealth are written
// only by the fulfillment aggregator.
type Intent struct {
	ID       IntentID
	TenantID TenantID

	Name        string
	Description string

	FulfillmentScore float64
	AggregateHealth  SignalHealth

	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

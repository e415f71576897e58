package domain

import "time"

// DefaultQueueName names the queue created when none is flagged default.
const DefaultQueueName = "Default"

// Queue groups conversations for routing.
type Queue struct {
	ID        string
	Name      string
	IsDefault bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

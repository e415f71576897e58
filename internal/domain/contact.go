package domain

import "time"

// Contact is the stable identity behind a channel address. For groups the
// group address is the key.
type Contact struct {
	ID          string
	WaID        string
	Phone       *string
	DisplayName *string
	AvatarURL   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

package usage

import "time"

// Usage is the persisted monthly generation counter for one user.
type Usage struct {
	UserID         string    `json:"userId" db:"user_id"`
	UsageThisMonth int       `json:"usageThisMonth" db:"usage_this_month"`
	ResetDate      time.Time `json:"resetDate" db:"reset_date"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
}

type ConsumeRequest struct {
	Count int `json:"count" validate:"required,min=1,max=100"`
}

package domain

import "time"

// DefaultMaxTabFailures is the consecutive failure count after which
// tab-scoped commands are refused without a recovery attempt.
const DefaultMaxTabFailures = 5

// TabContext tracks the validity of the tab remote commands target.
type TabContext struct {
	TabID                 string    `json:"tabId"`
	IsValid               bool      `json:"isValid"`
	LastValidation        time.Time `json:"lastValidation"`
	ConsecutiveFailures   int       `json:"consecutiveFailures"`
	LastSuccessfulCommand time.Time `json:"lastSuccessfulCommand"`
	MaxFailures           int       `json:"maxFailures"`
}

// Exhausted reports whether recovery should no longer be attempted.
func (c TabContext) Exhausted() bool {
	return c.ConsecutiveFailures >= c.MaxFailures
}

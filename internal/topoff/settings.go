// Package topoff recharges wallets automatically when their balance drops
// below an organization's threshold.
package topoff

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSettingsNotFound = errors.New("auto top-off settings not found")
	ErrInvalidSettings  = errors.New("invalid auto top-off settings")
)

// Settings is one organization's auto top-off configuration.
type Settings struct {
	OrgID               string     `json:"orgId"`
	Enabled             bool       `json:"enabled"`
	ThresholdCents      int64      `json:"thresholdCents"`
	TopoffAmountCents   int64      `json:"topoffAmountCents"`
	PaymentMethodID     string     `json:"paymentMethodId"`
	LastTopoffAt        *time.Time `json:"lastTopoffAt,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Validate checks the user-editable fields.
func (s *Settings) Validate() error {
	switch {
	case s.ThresholdCents < 0:
		return errors.Join(ErrInvalidSettings, errors.New("thresholdCents must not be negative"))
	case s.Enabled && s.TopoffAmountCents <= 0:
		return errors.Join(ErrInvalidSettings, errors.New("topoffAmountCents must be positive when enabled"))
	case s.TopoffAmountCents < 0:
		return errors.Join(ErrInvalidSettings, errors.New("topoffAmountCents must not be negative"))
	}
	return nil
}

// SettingsStore persists auto top-off settings.
type SettingsStore interface {
	Get(ctx context.Context, orgID string) (*Settings, error)

	// Save creates or replaces the user-editable fields and clears
	// ConsecutiveFailures, so re-enabling after a halt starts fresh.
	// LastTopoffAt is kept and the cooldown still applies.
	Save(ctx context.Context, s *Settings) error

	RecordAttempt(ctx context.Context, orgID string, at time.Time) error
	IncrementFailures(ctx context.Context, orgID string) (int, error)
	ResetFailures(ctx context.Context, orgID string) error
	Disable(ctx context.Context, orgID string) error
}

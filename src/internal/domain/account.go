package domain

import (
	"time"
)

type Account struct {
	ID       string
	OwnerID  string
	Balance  int64
	Currency string
	IsActive bool
	Frozen   FreezeState
	Timezone string
	Limits   map[LimitType]LimitCaps
	// Version increments on every balance or state change and guards
	// compare-and-swap updates.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type FreezeState struct {
	Frozen bool
	Reason string
	Until  *time.Time
}

// IsFrozenAt treats a freeze whose expiry has passed as lifted.
func (a Account) IsFrozenAt(now time.Time) bool {
	if !a.Frozen.Frozen {
		return false
	}
	if a.Frozen.Until != nil && !now.Before(*a.Frozen.Until) {
		return false
	}
	return true
}

// Location resolves the account's limit timezone, falling back to UTC.
func (a Account) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// GroupRole is a member's role inside a group.
type GroupRole string

const (
	RoleAdmin  GroupRole = "ADMIN"
	RoleJudge  GroupRole = "JUDGE"
	RoleMember GroupRole = "MEMBER"
)

// CanResolve reports whether the role may declare market outcomes.
func (r GroupRole) CanResolve() bool {
	return r == RoleAdmin || r == RoleJudge
}

// User holds a wallet identity and its lifetime prediction statistics.
type User struct {
	Address            string          `json:"address"`
	TotalPredictions   int64           `json:"totalPredictions"`
	CorrectPredictions int64           `json:"correctPredictions"`
	TotalEarnings      decimal.Decimal `json:"totalEarnings"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// StatDelta is an increment applied to a user's counters at resolution.
type StatDelta struct {
	Address string
	Correct bool
}

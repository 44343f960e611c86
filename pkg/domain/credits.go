package domain

import "time"

// CreditBalance is the per-workspace view returned by the ledger.
type CreditBalance struct {
	WorkspaceID   string `json:"workspaceId"`
	Available     int64  `json:"available"`
	Subscription  int64  `json:"subscription"`
	Purchased     int64  `json:"purchased"`
	Bonus         int64  `json:"bonus"`
	Reserved      int64  `json:"reserved"`
	UsedThisMonth int64  `json:"usedThisMonth"`
	UsedAllTime   int64  `json:"usedAllTime"`
}

// Total is the balance before reservations.
func (b CreditBalance) Total() int64 {
	return b.Subscription + b.Purchased + b.Bonus
}

// CreditSource names a balance bucket for grants.
type CreditSource string

const (
	CreditSourceSubscription CreditSource = "subscription"
	CreditSourcePurchased    CreditSource = "purchased"
	CreditSourceBonus        CreditSource = "bonus"
)

// Reservation is a provisional hold against a workspace balance.
type Reservation struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Amount      int64     `json:"amount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Settlement describes how a reservation was finalized.
type Settlement struct {
	ReservationID string `json:"reservationId"`
	Reserved      int64  `json:"reserved"`
	Actual        int64  `json:"actual"`
	Charged       int64  `json:"charged"`
	Overage       int64  `json:"overage"`
}

/*

Client requests that travel through the request and pending queues, and the claims that
unbonding produces.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// Bond is a deposit waiting to be joined into the remote pool.
type Bond struct {
	Owner  string      `json:"owner"`
	BondID string      `json:"bond_id"`
	Amount sdkmath.Int `json:"amount"`
}

// StartUnbond asks the remote side to begin unlocking an owner's LP shares.
type StartUnbond struct {
	Owner    string      `json:"owner"`
	UnbondID string      `json:"unbond_id"`
	Shares   sdkmath.Int `json:"shares"`
}

// Unbond asks for the exit of an unlocked claim. Retry marks an item that was re-derived from a
// trapped exit; such items may refer to claims that were already attempted.
type Unbond struct {
	Owner    string      `json:"owner"`
	UnbondID string      `json:"unbond_id"`
	LPShares sdkmath.Int `json:"lp_shares"`
	Retry    bool        `json:"retry,omitempty"`
}

func (u Unbond) Key() string { return ClaimKey(u.Owner, u.UnbondID) }

// Claim is a per-user unbonding record. Attempted only ever moves from false to true.
type Claim struct {
	Owner      string      `json:"owner"`
	UnbondID   string      `json:"unbond_id"`
	LPShares   sdkmath.Int `json:"lp_shares"`
	UnlockTime time.Time   `json:"unlock_time"`
	Attempted  bool        `json:"attempted"`
}

func ClaimKey(owner, id string) string { return owner + "/" + id }

func (c Claim) Key() string { return ClaimKey(c.Owner, c.UnbondID) }

// IsUnlocked reports whether the remote unlock period is over at now.
func (c Claim) IsUnlocked(now time.Time) bool {
	return !c.UnlockTime.After(now)
}

// MarkAttempted flips the attempted flag. It never clears it.
func (c *Claim) MarkAttempted() {
	c.Attempted = true
}

// ReturningTransfer is the amount expected back from the remote account for an exited batch.
type ReturningTransfer struct {
	ReturnID       string      `json:"return_id"`
	ExpectedAmount sdkmath.Int `json:"expected_amount"`
	Claims         []Unbond    `json:"claims"`
	Acknowledged   bool        `json:"acknowledged"`
	CreatedAt      time.Time   `json:"created_at"`
}

// PaidClaim records a claim that completed the unbonding workflow.
type PaidClaim struct {
	Owner    string      `json:"owner"`
	UnbondID string      `json:"unbond_id"`
	Amount   sdkmath.Int `json:"amount"`
	ReturnID string      `json:"return_id"`
	PaidAt   time.Time   `json:"paid_at"`

	PayoutStatus PayoutStatus `json:"payout_status,omitempty"`
	PayoutTx     string       `json:"payout_tx,omitempty"`
	PayoutError  string       `json:"payout_error,omitempty"`
}

// PayoutStatus tracks the bank send for a settled claim. Settlement is committed before the
// send is broadcast, so a failed or unconfirmed broadcast is never repeated automatically.
type PayoutStatus string

const (
	// PayoutExternal means the payout messages were handed back to the caller to execute.
	PayoutExternal PayoutStatus = "external"
	PayoutPending  PayoutStatus = "pending"
	PayoutSent     PayoutStatus = "sent"
	PayoutFailed   PayoutStatus = "failed"
	// PayoutUnconfirmed means the tx was broadcast but never seen in a block.
	PayoutUnconfirmed PayoutStatus = "unconfirmed"
)

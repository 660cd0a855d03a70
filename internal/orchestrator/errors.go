package orchestrator

import (
	errorsmod "cosmossdk.io/errors"
)

// Codespace is the error codespace of the strategy orchestrator.
const Codespace = "icastrategy"

var (
	ErrUnauthorized                     = errorsmod.Register(Codespace, 2, "unauthorized")
	ErrFundsNotAllowed                  = errorsmod.Register(Codespace, 3, "funds are not allowed for this call")
	ErrInvalidFunds                     = errorsmod.Register(Codespace, 4, "invalid funds")
	ErrInvalidRequest                   = errorsmod.Register(Codespace, 5, "invalid request")
	ErrDuplicateRequest                 = errorsmod.Register(Codespace, 6, "request already exists")
	ErrInsufficientShares               = errorsmod.Register(Codespace, 7, "insufficient shares")
	ErrSharesNotYetUnbonded             = errorsmod.Register(Codespace, 8, "shares not yet unbonded")
	ErrQueueItemNotFound                = errorsmod.Register(Codespace, 9, "queue item not found")
	ErrClaimAlreadyAttempted            = errorsmod.Register(Codespace, 10, "claim already attempted")
	ErrUnknownCorrelation               = errorsmod.Register(Codespace, 11, "no in-flight packet for channel and sequence")
	ErrTrapNotFound                     = errorsmod.Register(Codespace, 12, "trap not found")
	ErrNothingToRetry                   = errorsmod.Register(Codespace, 13, "nothing to retry")
	ErrReturningTransferNotFound        = errorsmod.Register(Codespace, 14, "returning transfer not found")
	ErrReturningTransferIncorrectAmount = errorsmod.Register(Codespace, 15, "returning transfer amount mismatch")
	ErrChannelAlreadySet                = errorsmod.Register(Codespace, 16, "ica channel already set")
	ErrChannelNotOpen                   = errorsmod.Register(Codespace, 17, "ica channel is not open")
	ErrChannelNotTimedOut               = errorsmod.Register(Codespace, 18, "ica channel has not timed out")
	ErrInvalidAcknowledgement           = errorsmod.Register(Codespace, 19, "invalid acknowledgement")
	ErrSendUnconfirmed                  = errorsmod.Register(Codespace, 20, "remote send outcome unknown")
	ErrUnconfirmedNotFound              = errorsmod.Register(Codespace, 21, "unconfirmed send not found")
	ErrPayoutNotConfirmed               = errorsmod.Register(Codespace, 22, "payout broadcast not confirmed")
)

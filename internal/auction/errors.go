package auction

import "errors"

var (
	ErrNotAuthorized     = errors.New("caller is not authorized")
	ErrInvalidState      = errors.New("invalid auction state")
	ErrBidTooLow         = errors.New("bid too low")
	ErrNothingToClaim    = errors.New("nothing to claim")
	ErrNothingToRefund   = errors.New("nothing to refund")
	ErrNothingToWithdraw = errors.New("nothing to withdraw")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrLedgerImbalance   = errors.New("ledger imbalance")
)

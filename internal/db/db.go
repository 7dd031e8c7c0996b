package db

import (
	"context"
	"errors"

	"escrow-auction/internal/model"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
)

// Store is the persistence boundary of the auction service.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)

	CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)

	CreateWallet(ctx context.Context, userID string) error
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	DepositWallet(ctx context.Context, userID string, cents int64) (*model.Wallet, error)

	CreateAuction(ctx context.Context, a *model.Auction) error
	ListAuctions(ctx context.Context) ([]model.Auction, error)
	ListAccounts(ctx context.Context, auctionID string) ([]model.BidderAccount, error)
	MaxSeq(ctx context.Context, auctionID string) (int64, error)
	ListEvents(ctx context.Context, auctionID *string, limit int) ([]model.EventLog, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx groups the writes of one auction operation. Nothing is visible to
// other readers until Commit; Rollback after Commit is a no-op.
type Tx interface {
	WalletDebit(userID string, cents int64) error
	WalletCredit(userID string, cents int64) error
	SaveAuction(a *model.Auction) error
	SaveAccount(acct *model.BidderAccount) error
	AppendEvent(auctionID *string, seq *int64, evType string, payload any) error
	Commit() error
	Rollback() error
}

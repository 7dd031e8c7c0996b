package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrow-auction/internal/model"
)

func seedMemory(t *testing.T) (*MemoryStore, string) {
	t.Helper()
	ctx := context.Background()
	m := NewMemory()
	u, err := m.CreateUser(ctx, "a@example.com", "hash", model.RoleUser)
	require.NoError(t, err)
	require.NoError(t, m.CreateWallet(ctx, u.ID))
	_, err = m.DepositWallet(ctx, u.ID, 500)
	require.NoError(t, err)
	require.NoError(t, m.CreateAuction(ctx, &model.Auction{ID: "a1", OwnerID: "o", Phase: model.PhaseUnopened, CreatedAt: time.Now()}))
	return m, u.ID
}

func TestMemoryCommit(t *testing.T) {
	ctx := context.Background()
	m, uid := seedMemory(t)

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.WalletDebit(uid, 200))
	require.NoError(t, tx.SaveAccount(&model.BidderAccount{AuctionID: "a1", BidderID: uid, LockedCents: 200}))
	id := "a1"
	seq := int64(1)
	require.NoError(t, tx.AppendEvent(&id, &seq, "NewBid", map[string]any{"amount_cents": 200}))
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())

	w, err := m.GetWallet(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(300), w.BalanceCents)

	accts, err := m.ListAccounts(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, accts, 1)
	assert.Equal(t, int64(200), accts[0].LockedCents)

	seq, err = m.MaxSeq(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestMemoryRollbackRestoresEverything(t *testing.T) {
	ctx := context.Background()
	m, uid := seedMemory(t)

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.WalletDebit(uid, 100))
	require.NoError(t, tx.SaveAuction(&model.Auction{ID: "a1", Phase: model.PhaseOpen}))
	require.NoError(t, tx.SaveAccount(&model.BidderAccount{AuctionID: "a1", BidderID: uid, LockedCents: 100}))
	id := "a1"
	require.NoError(t, tx.AppendEvent(&id, nil, "NewBid", nil))
	require.NoError(t, tx.Rollback())

	w, err := m.GetWallet(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.BalanceCents)

	auctions, err := m.ListAuctions(ctx)
	require.NoError(t, err)
	require.Len(t, auctions, 1)
	assert.Equal(t, model.PhaseUnopened, auctions[0].Phase)

	accts, err := m.ListAccounts(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, accts)

	events, err := m.ListEvents(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryDebitInsufficient(t *testing.T) {
	ctx := context.Background()
	m, uid := seedMemory(t)

	tx, err := m.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	require.ErrorIs(t, tx.WalletDebit(uid, 501), ErrInsufficientFunds)
	require.ErrorIs(t, tx.WalletCredit("nobody", 1), ErrNotFound)
}

func TestMemoryDuplicateEmail(t *testing.T) {
	m, _ := seedMemory(t)
	_, err := m.CreateUser(context.Background(), "a@example.com", "x", model.RoleUser)
	require.Error(t, err)
}

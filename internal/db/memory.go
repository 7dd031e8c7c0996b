package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrow-auction/internal/model"
)

// MemoryStore keeps everything in process memory. A transaction holds the
// store lock from BeginTx until Commit or Rollback.
type MemoryStore struct {
	mu sync.Mutex

	users    map[string]model.User
	byEmail  map[string]string
	wallets  map[string]int64
	auctions map[string]model.Auction
	accounts map[string]map[string]model.BidderAccount
	events   []model.EventLog
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]model.User),
		byEmail:  make(map[string]string),
		wallets:  make(map[string]int64),
		auctions: make(map[string]model.Auction),
		accounts: make(map[string]map[string]model.BidderAccount),
		events:   make([]model.EventLog, 0, 256),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

// ── Users ────────────────────────────────────────────

func (m *MemoryStore) CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return nil, fmt.Errorf("user %s already exists", email)
	}
	u := model.User{ID: uuid.New().String(), Email: email, PasswordHash: hash, Role: role, CreatedAt: time.Now().UTC()}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	return &u, nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, nil
	}
	u := m.users[id]
	return &u, nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// ── Wallets ──────────────────────────────────────────

func (m *MemoryStore) CreateWallet(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[userID]; ok {
		return fmt.Errorf("wallet %s already exists", userID)
	}
	m.wallets[userID] = 0
	return nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.wallets[userID]
	if !ok {
		return nil, nil
	}
	return &model.Wallet{UserID: userID, BalanceCents: bal}, nil
}

func (m *MemoryStore) DepositWallet(ctx context.Context, userID string, cents int64) (*model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.wallets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	m.wallets[userID] = bal + cents
	return &model.Wallet{UserID: userID, BalanceCents: bal + cents}, nil
}

// ── Auctions ─────────────────────────────────────────

func (m *MemoryStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.auctions[a.ID]; ok {
		return fmt.Errorf("auction %s already exists", a.ID)
	}
	m.auctions[a.ID] = *a
	m.accounts[a.ID] = make(map[string]model.BidderAccount)
	return nil
}

func (m *MemoryStore) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Auction, 0, len(m.auctions))
	for _, a := range m.auctions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, auctionID string) ([]model.BidderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.BidderAccount, 0, len(m.accounts[auctionID]))
	for _, acct := range m.accounts[auctionID] {
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BidderID < out[j].BidderID })
	return out, nil
}

func (m *MemoryStore) MaxSeq(ctx context.Context, auctionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var seq int64
	for _, e := range m.events {
		if e.AuctionID != nil && *e.AuctionID == auctionID && e.Seq != nil && *e.Seq > seq {
			seq = *e.Seq
		}
	}
	return seq, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, auctionID *string, limit int) ([]model.EventLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EventLog
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if auctionID != nil && (e.AuctionID == nil || *e.AuctionID != *auctionID) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ── Transactions ─────────────────────────────────────

func (m *MemoryStore) BeginTx(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	tx := &memTx{
		m:         m,
		wallets:   make(map[string]int64, len(m.wallets)),
		auctions:  make(map[string]model.Auction, len(m.auctions)),
		accounts:  make(map[string]map[string]model.BidderAccount, len(m.accounts)),
		eventsLen: len(m.events),
	}
	for k, v := range m.wallets {
		tx.wallets[k] = v
	}
	for k, v := range m.auctions {
		tx.auctions[k] = v
	}
	for id, accts := range m.accounts {
		cp := make(map[string]model.BidderAccount, len(accts))
		for k, v := range accts {
			cp[k] = v
		}
		tx.accounts[id] = cp
	}
	return tx, nil
}

// memTx writes straight into the store and keeps copies to undo them.
type memTx struct {
	m    *MemoryStore
	done bool

	wallets   map[string]int64
	auctions  map[string]model.Auction
	accounts  map[string]map[string]model.BidderAccount
	eventsLen int
}

func (t *memTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.m.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.m.wallets = t.wallets
	t.m.auctions = t.auctions
	t.m.accounts = t.accounts
	t.m.events = t.m.events[:t.eventsLen]
	t.m.mu.Unlock()
	return nil
}

func (t *memTx) WalletDebit(userID string, cents int64) error {
	bal, ok := t.m.wallets[userID]
	if !ok {
		return fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	if bal < cents {
		return fmt.Errorf("%w: wallet %s cannot cover %d", ErrInsufficientFunds, userID, cents)
	}
	t.m.wallets[userID] = bal - cents
	return nil
}

func (t *memTx) WalletCredit(userID string, cents int64) error {
	bal, ok := t.m.wallets[userID]
	if !ok {
		return fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	t.m.wallets[userID] = bal + cents
	return nil
}

func (t *memTx) SaveAuction(a *model.Auction) error {
	prev, ok := t.m.auctions[a.ID]
	if !ok {
		return fmt.Errorf("auction %s: %w", a.ID, ErrNotFound)
	}
	saved := *a
	saved.CreatedAt = prev.CreatedAt
	saved.Ended, saved.EndsAt, saved.NextMinCents = false, nil, 0
	t.m.auctions[a.ID] = saved
	return nil
}

func (t *memTx) SaveAccount(acct *model.BidderAccount) error {
	accts, ok := t.m.accounts[acct.AuctionID]
	if !ok {
		return fmt.Errorf("auction %s: %w", acct.AuctionID, ErrNotFound)
	}
	accts[acct.BidderID] = *acct
	return nil
}

func (t *memTx) AppendEvent(auctionID *string, seq *int64, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var decoded any
	_ = json.Unmarshal(b, &decoded)
	t.m.events = append(t.m.events, model.EventLog{
		ID:          int64(len(t.m.events) + 1),
		AuctionID:   auctionID,
		Seq:         seq,
		Type:        evType,
		PayloadJSON: decoded,
		CreatedAt:   time.Now().UTC(),
	})
	return nil
}

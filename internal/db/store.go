package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"escrow-auction/internal/model"
)

// PGStore is the postgres-backed Store.
type PGStore struct{ DB *sql.DB }

func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PGStore{DB: db}, nil
}

func (s *PGStore) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }
func (s *PGStore) Close() error                   { return s.DB.Close() }

func (s *PGStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

// ── Users ────────────────────────────────────────────

func (s *PGStore) CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, role) VALUES ($1,$2,$3)
		 RETURNING id, email, password_hash, role, created_at`, email, hash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	return u, err
}

func (s *PGStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE email=$1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *PGStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// ── Wallets ──────────────────────────────────────────

func (s *PGStore) CreateWallet(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO wallets (user_id) VALUES ($1)`, userID)
	return err
}

func (s *PGStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, balance_cents FROM wallets WHERE user_id=$1`, userID,
	).Scan(&w.UserID, &w.BalanceCents)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *PGStore) DepositWallet(ctx context.Context, userID string, cents int64) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`UPDATE wallets SET balance_cents = balance_cents + $1 WHERE user_id=$2
		 RETURNING user_id, balance_cents`, cents, userID,
	).Scan(&w.UserID, &w.BalanceCents)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return w, err
}

// ── Auctions ─────────────────────────────────────────

const auctionCols = `id,owner_id,phase,minimum_bid_cents,start_time,duration_seconds,
	best_bidder,best_amount_cents,deposited_cents,paid_out_cents,withdrawn,created_at`

func (s *PGStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO auctions (`+auctionCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.OwnerID, a.Phase, a.MinimumBidCents, a.StartTime, a.DurationSeconds,
		a.BestBid.Bidder, a.BestBid.AmountCents, a.DepositedCents, a.PaidOutCents, a.Withdrawn, a.CreatedAt,
	)
	return err
}

func (s *PGStore) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+auctionCols+` FROM auctions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Auction
	for rows.Next() {
		var a model.Auction
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Phase, &a.MinimumBidCents, &a.StartTime, &a.DurationSeconds,
			&a.BestBid.Bidder, &a.BestBid.AmountCents, &a.DepositedCents, &a.PaidOutCents, &a.Withdrawn, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) ListAccounts(ctx context.Context, auctionID string) ([]model.BidderAccount, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT auction_id, bidder_id, locked_cents, claimable_cents
		 FROM bidder_accounts WHERE auction_id=$1 ORDER BY bidder_id`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BidderAccount
	for rows.Next() {
		var acct model.BidderAccount
		if err := rows.Scan(&acct.AuctionID, &acct.BidderID, &acct.LockedCents, &acct.ClaimableCents); err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *PGStore) MaxSeq(ctx context.Context, auctionID string) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0) FROM event_log WHERE auction_id=$1`, auctionID,
	).Scan(&seq)
	return seq, err
}

// ── Event Log ────────────────────────────────────────

func (s *PGStore) ListEvents(ctx context.Context, auctionID *string, limit int) ([]model.EventLog, error) {
	q := `SELECT id, auction_id, seq, type, payload_json, created_at FROM event_log`
	var args []any
	if auctionID != nil {
		q += ` WHERE auction_id=$1`
		args = append(args, *auctionID)
	}
	q += ` ORDER BY id DESC LIMIT ` + fmt.Sprintf("%d", limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EventLog
	for rows.Next() {
		var e model.EventLog
		var raw []byte
		if err := rows.Scan(&e.ID, &e.AuctionID, &e.Seq, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(raw, &e.PayloadJSON)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Transactions ─────────────────────────────────────

type pgTx struct{ tx *sql.Tx }

func (t *pgTx) Commit() error { return t.tx.Commit() }

func (t *pgTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (t *pgTx) WalletDebit(userID string, cents int64) error {
	res, err := t.tx.Exec(
		`UPDATE wallets SET balance_cents = balance_cents - $1 WHERE user_id=$2 AND balance_cents >= $1`,
		cents, userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: wallet %s cannot cover %d", ErrInsufficientFunds, userID, cents)
	}
	return nil
}

func (t *pgTx) WalletCredit(userID string, cents int64) error {
	res, err := t.tx.Exec(`UPDATE wallets SET balance_cents = balance_cents + $1 WHERE user_id=$2`, cents, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("wallet %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) SaveAuction(a *model.Auction) error {
	_, err := t.tx.Exec(
		`UPDATE auctions SET phase=$1, minimum_bid_cents=$2, start_time=$3, duration_seconds=$4,
		 best_bidder=$5, best_amount_cents=$6, deposited_cents=$7, paid_out_cents=$8, withdrawn=$9
		 WHERE id=$10`,
		a.Phase, a.MinimumBidCents, a.StartTime, a.DurationSeconds,
		a.BestBid.Bidder, a.BestBid.AmountCents, a.DepositedCents, a.PaidOutCents, a.Withdrawn, a.ID,
	)
	return err
}

func (t *pgTx) SaveAccount(acct *model.BidderAccount) error {
	_, err := t.tx.Exec(
		`INSERT INTO bidder_accounts (auction_id, bidder_id, locked_cents, claimable_cents) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (auction_id, bidder_id) DO UPDATE SET locked_cents=$3, claimable_cents=$4`,
		acct.AuctionID, acct.BidderID, acct.LockedCents, acct.ClaimableCents,
	)
	return err
}

func (t *pgTx) AppendEvent(auctionID *string, seq *int64, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(
		`INSERT INTO event_log (auction_id, seq, type, payload_json) VALUES ($1,$2,$3,$4)`,
		auctionID, seq, evType, b,
	)
	return err
}

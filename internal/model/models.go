package model

import "time"

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Phase is the lifecycle stage of an auction. Transitions only move forward:
// UNOPENED -> OPEN -> CLOSED.
type Phase string

const (
	PhaseUnopened Phase = "UNOPENED"
	PhaseOpen     Phase = "OPEN"
	PhaseClosed   Phase = "CLOSED"
)

type EventType string

const (
	EventAuctionOpened EventType = "AuctionOpened"
	EventNewBid        EventType = "NewBid"
	EventClaimed       EventType = "Claimed"
	EventAuctionClosed EventType = "AuctionClosed"
	EventRefunded      EventType = "Refunded"
	EventWithdrawn     EventType = "Withdrawn"
)

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Wallet holds the funds a user has not committed to any auction.
type Wallet struct {
	UserID       string `json:"user_id"`
	BalanceCents int64  `json:"balance_cents"`
}

// Bid is the current best bid. An empty Bidder means nobody has bid yet.
type Bid struct {
	Bidder      string `json:"bidder"`
	AmountCents int64  `json:"amount_cents"`
}

// BidderAccount tracks what an auction owes one bidder.
// LockedCents backs the bidder's latest bid; ClaimableCents holds funds
// displaced by a higher bid that have not been paid back yet.
type BidderAccount struct {
	AuctionID      string `json:"auction_id"`
	BidderID       string `json:"bidder_id"`
	LockedCents    int64  `json:"locked_cents"`
	ClaimableCents int64  `json:"claimable_cents"`
}

func (a BidderAccount) Total() int64 { return a.LockedCents + a.ClaimableCents }

type Auction struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Phase           Phase      `json:"phase"`
	MinimumBidCents int64      `json:"minimum_bid_cents"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	BestBid         Bid        `json:"best_bid"`
	DepositedCents  int64      `json:"deposited_cents"`
	PaidOutCents    int64      `json:"paid_out_cents"`
	Withdrawn       bool       `json:"withdrawn"`
	CreatedAt       time.Time  `json:"created_at"`

	// Derived, not persisted.
	Ended        bool       `json:"ended"`
	EndsAt       *time.Time `json:"ends_at,omitempty"`
	NextMinCents int64      `json:"next_min_bid_cents"`
}

// HeldCents is the escrow the auction still owes to bidders or the owner.
func (a Auction) HeldCents() int64 { return a.DepositedCents - a.PaidOutCents }

// Event is emitted by every successful auction operation.
type Event struct {
	Type        EventType `json:"type"`
	AuctionID   string    `json:"auction_id"`
	Bidder      string    `json:"bidder,omitempty"`
	AmountCents int64     `json:"amount_cents"`
}

type EventLog struct {
	ID          int64     `json:"id"`
	AuctionID   *string   `json:"auction_id,omitempty"`
	Seq         *int64    `json:"seq,omitempty"`
	Type        string    `json:"type"`
	PayloadJSON any       `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

type OpenAuctionReq struct {
	MinimumBidCents int64 `json:"minimum_bid_cents"`
	DurationSeconds int64 `json:"duration_seconds"`
}

type BidReq struct {
	AmountCents int64 `json:"amount_cents"`
}

type RefundReq struct {
	BidderID string `json:"bidder_id"`
}

type BalanceResult struct {
	AuctionID      string `json:"auction_id"`
	BidderID       string `json:"bidder_id"`
	LockedCents    int64  `json:"locked_cents"`
	ClaimableCents int64  `json:"claimable_cents"`
	TotalCents     int64  `json:"total_cents"`
}

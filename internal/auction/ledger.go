// Package auction implements the escrow ledger of a single ascending auction.
//
// A Ledger is not safe for concurrent use. Callers serialize access to it
// (see the engine package) so every operation observes the effects of all
// earlier ones and none of a later one.
package auction

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"escrow-auction/internal/model"
)

// minIncrement is the factor a new bid must strictly exceed over the best bid.
var minIncrement = decimal.RequireFromString("1.05")

// Transferer pays funds out of escrow. A non-nil error means nothing was paid.
type Transferer interface {
	Transfer(to string, amountCents int64) error
}

// TransferFunc adapts a function to Transferer.
type TransferFunc func(to string, amountCents int64) error

func (f TransferFunc) Transfer(to string, amountCents int64) error { return f(to, amountCents) }

// MaxDurationSeconds is the longest window that still fits in a time.Duration.
const MaxDurationSeconds = math.MaxInt64 / int64(time.Second)

// DurationFromSeconds converts a client supplied window length.
func DurationFromSeconds(secs int64) (time.Duration, error) {
	if secs <= 0 || secs > MaxDurationSeconds {
		return 0, fmt.Errorf("%w: duration must be between 1 and %d seconds", ErrInvalidArgument, MaxDurationSeconds)
	}
	return time.Duration(secs) * time.Second, nil
}

type Option func(*Ledger)

// WithClock replaces time.Now as the ledger's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type Ledger struct {
	id        string
	owner     string
	createdAt time.Time

	phase      model.Phase
	minimumBid int64
	startTime  time.Time
	duration   time.Duration

	best      model.Bid
	accounts  map[string]*model.BidderAccount
	deposited int64
	paidOut   int64
	withdrawn bool

	touched map[string]struct{}
	now     func() time.Time
}

// New creates an unopened auction owned by owner.
func New(id, owner string, opts ...Option) *Ledger {
	l := &Ledger{
		id:       id,
		owner:    owner,
		phase:    model.PhaseUnopened,
		accounts: make(map[string]*model.BidderAccount),
		touched:  make(map[string]struct{}),
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.createdAt = l.now()
	return l
}

// Restore rebuilds a ledger from its persisted state.
func Restore(a model.Auction, accounts []model.BidderAccount, opts ...Option) *Ledger {
	l := &Ledger{
		id:         a.ID,
		owner:      a.OwnerID,
		createdAt:  a.CreatedAt,
		phase:      a.Phase,
		minimumBid: a.MinimumBidCents,
		duration:   time.Duration(a.DurationSeconds) * time.Second,
		best:       a.BestBid,
		accounts:   make(map[string]*model.BidderAccount, len(accounts)),
		deposited:  a.DepositedCents,
		paidOut:    a.PaidOutCents,
		withdrawn:  a.Withdrawn,
		touched:    make(map[string]struct{}),
		now:        time.Now,
	}
	if a.StartTime != nil {
		l.startTime = *a.StartTime
	}
	for i := range accounts {
		acct := accounts[i]
		acct.AuctionID = a.ID
		l.accounts[acct.BidderID] = &acct
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Clone returns a deep copy sharing only the clock.
func (l *Ledger) Clone() *Ledger {
	c := *l
	c.accounts = make(map[string]*model.BidderAccount, len(l.accounts))
	for id, acct := range l.accounts {
		cp := *acct
		c.accounts[id] = &cp
	}
	c.touched = make(map[string]struct{}, len(l.touched))
	for id := range l.touched {
		c.touched[id] = struct{}{}
	}
	return &c
}

func (l *Ledger) ID() string { return l.id }
func (l *Ledger) Owner() string { return l.owner }

// ── Lifecycle ────────────────────────────────────────

// Open starts the bidding window. Only the owner may open, and only once.
func (l *Ledger) Open(caller string, minimumBidCents int64, duration time.Duration) (model.Event, error) {
	l.resetTouched()
	if caller != l.owner {
		return model.Event{}, fmt.Errorf("%w: caller is not owner", ErrNotAuthorized)
	}
	switch l.phase {
	case model.PhaseOpen:
		return model.Event{}, fmt.Errorf("%w: auction is already opened", ErrInvalidState)
	case model.PhaseClosed:
		return model.Event{}, ErrInvalidState
	}
	if minimumBidCents < 0 {
		return model.Event{}, fmt.Errorf("%w: minimum bid must not be negative", ErrInvalidArgument)
	}
	if duration <= 0 {
		return model.Event{}, fmt.Errorf("%w: duration must be positive", ErrInvalidArgument)
	}
	// Persisted as whole seconds.
	if duration%time.Second != 0 {
		return model.Event{}, fmt.Errorf("%w: duration must be whole seconds", ErrInvalidArgument)
	}

	l.minimumBid = minimumBidCents
	l.duration = duration
	l.startTime = l.now()
	l.phase = model.PhaseOpen
	return l.event(model.EventAuctionOpened, "", minimumBidCents), nil
}

// Close ends the auction. AuctionClosed is emitted on this transition only.
func (l *Ledger) Close(caller string) (model.Event, error) {
	l.resetTouched()
	if caller != l.owner {
		return model.Event{}, fmt.Errorf("%w: caller is not owner", ErrNotAuthorized)
	}
	if l.phase != model.PhaseOpen {
		return model.Event{}, fmt.Errorf("%w: auction is not open", ErrInvalidState)
	}
	l.phase = model.PhaseClosed
	return l.event(model.EventAuctionClosed, l.best.Bidder, l.best.AmountCents), nil
}

// Ended reports whether the auction was closed or its time window elapsed.
func (l *Ledger) Ended() bool {
	switch l.phase {
	case model.PhaseClosed:
		return true
	case model.PhaseOpen:
		return !l.now().Before(l.endsAt())
	}
	return false
}

func (l *Ledger) endsAt() time.Time { return l.startTime.Add(l.duration) }

// ── Bidding ──────────────────────────────────────────

// Bid accepts amountCents from caller as the new best bid. The caller's own
// earlier bid and the previous best bidder's bid both become claimable.
func (l *Ledger) Bid(caller string, amountCents int64) (model.Event, error) {
	l.resetTouched()
	if caller == "" {
		return model.Event{}, fmt.Errorf("%w: missing bidder", ErrInvalidArgument)
	}
	if caller == l.owner {
		return model.Event{}, fmt.Errorf("%w: owner cannot bid", ErrNotAuthorized)
	}
	switch {
	case l.phase == model.PhaseUnopened:
		return model.Event{}, fmt.Errorf("%w: auction is not open yet", ErrInvalidState)
	case l.phase == model.PhaseClosed:
		return model.Event{}, fmt.Errorf("%w: auction is closed", ErrInvalidState)
	case l.Ended():
		return model.Event{}, fmt.Errorf("%w: auction has ended", ErrInvalidState)
	}
	if err := l.checkAmount(amountCents); err != nil {
		return model.Event{}, err
	}

	acct := l.account(caller)
	acct.ClaimableCents += acct.LockedCents
	acct.LockedCents = 0

	if prev := l.best.Bidder; prev != "" && prev != caller {
		outbid := l.account(prev)
		outbid.ClaimableCents += outbid.LockedCents
		outbid.LockedCents = 0
	}

	acct.LockedCents = amountCents
	l.best = model.Bid{Bidder: caller, AmountCents: amountCents}
	l.deposited += amountCents
	return l.event(model.EventNewBid, caller, amountCents), nil
}

func (l *Ledger) checkAmount(amountCents int64) error {
	if amountCents <= 0 {
		return fmt.Errorf("%w: bid must be positive", ErrBidTooLow)
	}
	if l.best.Bidder == "" {
		if amountCents < l.minimumBid {
			return fmt.Errorf("%w: bid must be greater or equal to the minimum amount", ErrBidTooLow)
		}
		return nil
	}
	threshold := decimal.NewFromInt(l.best.AmountCents).Mul(minIncrement)
	if !decimal.NewFromInt(amountCents).GreaterThan(threshold) {
		return fmt.Errorf("%w: bid must be greater than the best bid plus 5%%", ErrBidTooLow)
	}
	return nil
}

// MinimumNextBid is the smallest amount Bid would currently accept.
func (l *Ledger) MinimumNextBid() int64 {
	if l.best.Bidder == "" {
		if l.minimumBid < 1 {
			return 1
		}
		return l.minimumBid
	}
	threshold := decimal.NewFromInt(l.best.AmountCents).Mul(minIncrement)
	return threshold.Floor().IntPart() + 1
}

// ── Settlement ───────────────────────────────────────

// Claims pays caller the funds displaced by higher bids.
func (l *Ledger) Claims(t Transferer, caller string) (model.Event, error) {
	l.resetTouched()
	acct, ok := l.accounts[caller]
	if !ok || acct.ClaimableCents == 0 {
		return model.Event{}, ErrNothingToClaim
	}
	amount := acct.ClaimableCents
	if err := l.pay(t, caller, amount); err != nil {
		return model.Event{}, err
	}
	acct.ClaimableCents = 0
	l.touch(caller)
	return l.event(model.EventClaimed, caller, amount), nil
}

// Refund returns everything the auction still holds for a losing bidder,
// both the locked bid and any unclaimed surplus.
func (l *Ledger) Refund(t Transferer, caller, bidder string) (model.Event, error) {
	l.resetTouched()
	if caller != l.owner {
		return model.Event{}, fmt.Errorf("%w: caller is not owner", ErrNotAuthorized)
	}
	if bidder == "" {
		return model.Event{}, fmt.Errorf("%w: missing bidder", ErrInvalidArgument)
	}
	if !l.Ended() {
		return model.Event{}, fmt.Errorf("%w: auction has not ended", ErrInvalidState)
	}
	if bidder == l.best.Bidder {
		return model.Event{}, fmt.Errorf("%w: winner cannot be refunded", ErrInvalidState)
	}
	acct, ok := l.accounts[bidder]
	if !ok || acct.Total() == 0 {
		return model.Event{}, ErrNothingToRefund
	}
	amount := acct.Total()
	if err := l.pay(t, bidder, amount); err != nil {
		return model.Event{}, err
	}
	acct.LockedCents = 0
	acct.ClaimableCents = 0
	l.touch(bidder)
	return l.event(model.EventRefunded, bidder, amount), nil
}

// Withdraw pays the winning bid to the owner, once. The winner's own
// claimable surplus is not part of the proceeds.
func (l *Ledger) Withdraw(t Transferer, caller string) (model.Event, error) {
	l.resetTouched()
	if caller != l.owner {
		return model.Event{}, fmt.Errorf("%w: caller is not owner", ErrNotAuthorized)
	}
	if !l.Ended() {
		return model.Event{}, fmt.Errorf("%w: auction has not ended", ErrInvalidState)
	}
	if l.best.Bidder == "" || l.withdrawn {
		return model.Event{}, ErrNothingToWithdraw
	}
	winner := l.accounts[l.best.Bidder]
	amount := winner.LockedCents
	if amount == 0 {
		return model.Event{}, ErrNothingToWithdraw
	}
	if err := l.pay(t, l.owner, amount); err != nil {
		return model.Event{}, err
	}
	winner.LockedCents = 0
	l.withdrawn = true
	l.touch(l.best.Bidder)
	return l.event(model.EventWithdrawn, l.owner, amount), nil
}

func (l *Ledger) pay(t Transferer, to string, amount int64) error {
	if err := t.Transfer(to, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	l.paidOut += amount
	return nil
}

// ── Queries ──────────────────────────────────────────

// Balance is what the auction currently holds for bidder.
func (l *Ledger) Balance(bidder string) int64 {
	if acct, ok := l.accounts[bidder]; ok {
		return acct.Total()
	}
	return 0
}

// Account returns a copy of bidder's account; the zero account if unknown.
func (l *Ledger) Account(bidder string) model.BidderAccount {
	if acct, ok := l.accounts[bidder]; ok {
		return *acct
	}
	return model.BidderAccount{AuctionID: l.id, BidderID: bidder}
}

// Accounts returns copies of all accounts ordered by bidder id.
func (l *Ledger) Accounts() []model.BidderAccount {
	out := make([]model.BidderAccount, 0, len(l.accounts))
	for _, acct := range l.accounts {
		out = append(out, *acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BidderID < out[j].BidderID })
	return out
}

func (l *Ledger) Winner() model.Bid { return l.best }
func (l *Ledger) Phase() model.Phase { return l.phase }
func (l *Ledger) Deposited() int64 { return l.deposited }
func (l *Ledger) PaidOut() int64 { return l.paidOut }
func (l *Ledger) Held() int64 { return l.deposited - l.paidOut }

// Touched lists the bidders whose accounts the last operation changed.
func (l *Ledger) Touched() []string {
	out := make([]string, 0, len(l.touched))
	for id := range l.touched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Audit checks that the accounts hold exactly what was deposited and not yet paid out.
func (l *Ledger) Audit() error {
	var sum int64
	for _, acct := range l.accounts {
		if acct.LockedCents < 0 || acct.ClaimableCents < 0 {
			return fmt.Errorf("%w: negative balance for %s", ErrLedgerImbalance, acct.BidderID)
		}
		sum += acct.Total()
	}
	if sum != l.Held() {
		return fmt.Errorf("%w: accounts hold %d, escrow holds %d", ErrLedgerImbalance, sum, l.Held())
	}
	return nil
}

// State returns the persisted representation plus derived fields.
func (l *Ledger) State() model.Auction {
	a := model.Auction{
		ID:              l.id,
		OwnerID:         l.owner,
		Phase:           l.phase,
		MinimumBidCents: l.minimumBid,
		DurationSeconds: int64(l.duration / time.Second),
		BestBid:         l.best,
		DepositedCents:  l.deposited,
		PaidOutCents:    l.paidOut,
		Withdrawn:       l.withdrawn,
		CreatedAt:       l.createdAt,
		Ended:           l.Ended(),
		NextMinCents:    l.MinimumNextBid(),
	}
	if l.phase != model.PhaseUnopened {
		start, end := l.startTime, l.endsAt()
		a.StartTime = &start
		a.EndsAt = &end
	}
	return a
}

// ── Internals ────────────────────────────────────────

func (l *Ledger) account(bidder string) *model.BidderAccount {
	acct, ok := l.accounts[bidder]
	if !ok {
		acct = &model.BidderAccount{AuctionID: l.id, BidderID: bidder}
		l.accounts[bidder] = acct
	}
	l.touch(bidder)
	return acct
}

func (l *Ledger) touch(bidder string) { l.touched[bidder] = struct{}{} }

func (l *Ledger) resetTouched() {
	for id := range l.touched {
		delete(l.touched, id)
	}
}

func (l *Ledger) event(t model.EventType, bidder string, amount int64) model.Event {
	return model.Event{Type: t, AuctionID: l.id, Bidder: bidder, AmountCents: amount}
}

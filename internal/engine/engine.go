package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"escrow-auction/internal/auction"
	"escrow-auction/internal/db"
	"escrow-auction/internal/model"
	"escrow-auction/internal/observability"
)

// PublishFunc broadcasts an event for an auction.
type PublishFunc func(auctionID, msgType string, data any)

var (
	ErrAuctionNotFound = errors.New("auction not found")
	ErrEngineStopped   = errors.New("auction engine stopped")
)

// ── Manager ──────────────────────────────────────────

type Manager struct {
	engines map[string]*AuctionEngine
	mu      sync.RWMutex
	store   db.Store
	publish PublishFunc
	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Manager)

// WithClock replaces time.Now for every ledger the manager creates or restores.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store db.Store, pub PublishFunc, metrics *observability.Metrics, log zerolog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		engines: make(map[string]*AuctionEngine),
		store:   store,
		publish: pub,
		metrics: metrics,
		log:     log,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Boot restores every persisted auction and starts its engine.
func (m *Manager) Boot(ctx context.Context) error {
	auctions, err := m.store.ListAuctions(ctx)
	if err != nil {
		return err
	}
	for _, a := range auctions {
		accounts, err := m.store.ListAccounts(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("boot %s: %w", a.ID, err)
		}
		seq, err := m.store.MaxSeq(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("boot %s: %w", a.ID, err)
		}
		ledger := auction.Restore(a, accounts, auction.WithClock(m.now))
		if err := ledger.Audit(); err != nil {
			return fmt.Errorf("boot %s: %w", a.ID, err)
		}
		m.start(ledger, seq)
	}
	m.log.Info().Int("auctions", len(auctions)).Msg("booted auction engines")
	return nil
}

// Create registers a new unopened auction owned by ownerID.
func (m *Manager) Create(ctx context.Context, ownerID string) (model.Auction, error) {
	ledger := auction.New(uuid.New().String(), ownerID, auction.WithClock(m.now))
	state := ledger.State()
	if err := m.store.CreateAuction(ctx, &state); err != nil {
		return model.Auction{}, fmt.Errorf("create auction: %w", err)
	}
	m.start(ledger, 0)
	m.log.Info().Str("auction_id", state.ID).Str("owner", ownerID).Msg("auction created")
	return state, nil
}

func (m *Manager) start(ledger *auction.Ledger, seq int64) {
	eng := &AuctionEngine{
		auctionID: ledger.ID(),
		ledger:    ledger,
		seq:       seq,
		cmdCh:     make(chan command, 64),
		done:      m.ctx.Done(),
		store:     m.store,
		publish:   m.publish,
		metrics:   m.metrics,
		log:       m.log.With().Str("auction_id", ledger.ID()).Logger(),
	}
	eng.metrics.EscrowHeld.WithLabelValues(eng.auctionID).Set(float64(ledger.Held()))

	m.mu.Lock()
	m.engines[eng.auctionID] = eng
	m.mu.Unlock()
	m.metrics.Auctions.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		eng.run(m.ctx)
	}()
}

// Get returns the engine of auctionID or ErrAuctionNotFound.
func (m *Manager) Get(auctionID string) (*AuctionEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eng, ok := m.engines[auctionID]
	if !ok {
		return nil, ErrAuctionNotFound
	}
	return eng, nil
}

// List returns the state of every auction, newest first.
func (m *Manager) List() []model.Auction {
	m.mu.RLock()
	engines := make([]*AuctionEngine, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.mu.RUnlock()

	out := make([]model.Auction, 0, len(engines))
	for _, eng := range engines {
		out = append(out, eng.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Stop terminates all engine goroutines and waits for them.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// ── AuctionEngine ────────────────────────────────────

// AuctionEngine owns one ledger. Every call goes through cmdCh, so the
// ledger sees a single total order of operations.
type AuctionEngine struct {
	auctionID string
	ledger    *auction.Ledger
	seq       int64
	cmdCh     chan command
	done      <-chan struct{}
	store     db.Store
	publish   PublishFunc
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func (e *AuctionEngine) ID() string { return e.auctionID }

func (e *AuctionEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *AuctionEngine) }

type opResult struct {
	event model.Event
	err   error
}

type opCmd struct {
	op op
	ch chan<- opResult
}

type readCmd struct {
	fn   func(l *auction.Ledger)
	done chan<- struct{}
}

func (c opCmd) exec(e *AuctionEngine)   { c.ch <- e.apply(c.op) }
func (c readCmd) exec(e *AuctionEngine) { c.fn(e.ledger); close(c.done) }

// op is one mutating ledger call. payment is debited from caller's wallet
// in the same transaction.
type op struct {
	name    string
	caller  string
	payment int64
	fn      func(l *auction.Ledger, t auction.Transferer) (model.Event, error)
}

func (e *AuctionEngine) submit(o op) (model.Event, error) {
	ch := make(chan opResult, 1)
	select {
	case e.cmdCh <- opCmd{op: o, ch: ch}:
	case <-e.done:
		return model.Event{}, ErrEngineStopped
	}
	select {
	case res := <-ch:
		return res.event, res.err
	case <-e.done:
		return model.Event{}, ErrEngineStopped
	}
}

// read runs fn on the engine goroutine. After Stop, fn is not run.
func (e *AuctionEngine) read(fn func(l *auction.Ledger)) {
	done := make(chan struct{})
	select {
	case e.cmdCh <- readCmd{fn: fn, done: done}:
	case <-e.done:
		return
	}
	select {
	case <-done:
	case <-e.done:
	}
}

// Open starts the bidding window.
func (e *AuctionEngine) Open(caller string, minimumBidCents int64, duration time.Duration) (model.Event, error) {
	return e.submit(op{name: "open", caller: caller, fn: func(l *auction.Ledger, _ auction.Transferer) (model.Event, error) {
		return l.Open(caller, minimumBidCents, duration)
	}})
}

// Bid places a bid paid from the caller's wallet.
func (e *AuctionEngine) Bid(caller string, amountCents int64) (model.Event, error) {
	return e.submit(op{name: "bid", caller: caller, payment: amountCents, fn: func(l *auction.Ledger, _ auction.Transferer) (model.Event, error) {
		return l.Bid(caller, amountCents)
	}})
}

func (e *AuctionEngine) Claims(caller string) (model.Event, error) {
	return e.submit(op{name: "claims", caller: caller, fn: func(l *auction.Ledger, t auction.Transferer) (model.Event, error) {
		return l.Claims(t, caller)
	}})
}

func (e *AuctionEngine) Close(caller string) (model.Event, error) {
	return e.submit(op{name: "close", caller: caller, fn: func(l *auction.Ledger, _ auction.Transferer) (model.Event, error) {
		return l.Close(caller)
	}})
}

func (e *AuctionEngine) Refund(caller, bidder string) (model.Event, error) {
	return e.submit(op{name: "refund", caller: caller, fn: func(l *auction.Ledger, t auction.Transferer) (model.Event, error) {
		return l.Refund(t, caller, bidder)
	}})
}

func (e *AuctionEngine) Withdraw(caller string) (model.Event, error) {
	return e.submit(op{name: "withdraw", caller: caller, fn: func(l *auction.Ledger, t auction.Transferer) (model.Event, error) {
		return l.Withdraw(t, caller)
	}})
}

func (e *AuctionEngine) Account(bidder string) model.BidderAccount {
	var acct model.BidderAccount
	e.read(func(l *auction.Ledger) { acct = l.Account(bidder) })
	return acct
}

// Balance is what the auction holds for bidder, locked plus claimable.
func (e *AuctionEngine) Balance(bidder string) int64 {
	var b int64
	e.read(func(l *auction.Ledger) { b = l.Balance(bidder) })
	return b
}

func (e *AuctionEngine) Winner() model.Bid {
	var w model.Bid
	e.read(func(l *auction.Ledger) { w = l.Winner() })
	return w
}

func (e *AuctionEngine) State() model.Auction {
	var s model.Auction
	e.read(func(l *auction.Ledger) { s = l.State() })
	return s
}

// ── Apply ────────────────────────────────────────────

func (e *AuctionEngine) apply(o op) opResult {
	start := time.Now()
	backup := e.ledger.Clone()

	ev, err := e.execute(o)
	if err != nil {
		e.ledger = backup
		e.metrics.OpsRejected.WithLabelValues(o.name, reason(err)).Inc()
		e.log.Debug().Err(err).Str("op", o.name).Str("caller", o.caller).Msg("operation rejected")
		return opResult{err: err}
	}

	e.metrics.OpsApplied.WithLabelValues(o.name).Inc()
	e.metrics.OpDuration.WithLabelValues(o.name).Observe(time.Since(start).Seconds())
	e.metrics.EscrowHeld.WithLabelValues(e.auctionID).Set(float64(e.ledger.Held()))
	e.metrics.Events.WithLabelValues(string(ev.Type)).Inc()
	e.log.Info().
		Str("op", o.name).
		Str("event", string(ev.Type)).
		Str("bidder", ev.Bidder).
		Int64("amount_cents", ev.AmountCents).
		Int64("seq", e.seq).
		Msg("operation applied")

	if e.publish != nil {
		e.publish(e.auctionID, string(ev.Type), ev)
	}
	return opResult{event: ev}
}

// execute runs o inside one store transaction. On error the caller restores
// the ledger; the deferred Rollback undoes the store side.
func (e *AuctionEngine) execute(o op) (model.Event, error) {
	ctx := context.Background()
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return model.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ev, err := o.fn(e.ledger, walletTransfer{tx: tx})
	if err != nil {
		return model.Event{}, err
	}
	if o.payment > 0 {
		if err := tx.WalletDebit(o.caller, o.payment); err != nil {
			return model.Event{}, err
		}
	}
	if err := e.ledger.Audit(); err != nil {
		return model.Event{}, err
	}

	state := e.ledger.State()
	if err := tx.SaveAuction(&state); err != nil {
		return model.Event{}, fmt.Errorf("save auction: %w", err)
	}
	for _, bidder := range e.ledger.Touched() {
		acct := e.ledger.Account(bidder)
		if err := tx.SaveAccount(&acct); err != nil {
			return model.Event{}, fmt.Errorf("save account %s: %w", bidder, err)
		}
	}
	seq := e.seq + 1
	if err := tx.AppendEvent(&e.auctionID, &seq, string(ev.Type), ev); err != nil {
		return model.Event{}, fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Event{}, fmt.Errorf("commit: %w", err)
	}
	e.seq = seq
	return ev, nil
}

// walletTransfer credits payouts to the payee's wallet inside the op's tx.
type walletTransfer struct{ tx db.Tx }

func (w walletTransfer) Transfer(to string, amountCents int64) error {
	return w.tx.WalletCredit(to, amountCents)
}

func reason(err error) string {
	switch {
	case errors.Is(err, auction.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, auction.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, auction.ErrBidTooLow):
		return "bid_too_low"
	case errors.Is(err, auction.ErrNothingToClaim):
		return "nothing_to_claim"
	case errors.Is(err, auction.ErrNothingToRefund):
		return "nothing_to_refund"
	case errors.Is(err, auction.ErrNothingToWithdraw):
		return "nothing_to_withdraw"
	case errors.Is(err, auction.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, auction.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, db.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, auction.ErrLedgerImbalance):
		return "ledger_imbalance"
	default:
		return "internal"
	}
}

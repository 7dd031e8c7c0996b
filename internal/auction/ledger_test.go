package auction

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrow-auction/internal/model"
)

const (
	owner = "owner"
	alice = "alice"
	bob   = "bob"
	carol = "carol"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// payments records every transfer so tests can check conservation.
type payments struct {
	paid map[string]int64
	fail error
}

func newPayments() *payments { return &payments{paid: make(map[string]int64)} }

func (p *payments) Transfer(to string, amount int64) error {
	if p.fail != nil {
		return p.fail
	}
	p.paid[to] += amount
	return nil
}

func newLedger(t *testing.T) (*Ledger, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New("a1", owner, WithClock(c.now)), c
}

func openLedger(t *testing.T, minBid int64) (*Ledger, *clock) {
	t.Helper()
	l, c := newLedger(t)
	_, err := l.Open(owner, minBid, 30*time.Second)
	require.NoError(t, err)
	return l, c
}

func TestOpenRequiresOwner(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Open(alice, 1000, time.Minute)
	require.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, model.PhaseUnopened, l.Phase())
}

func TestOpenTwiceFails(t *testing.T) {
	l, _ := openLedger(t, 1000)
	_, err := l.Open(owner, 1000, time.Minute)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestReopenAfterCloseFails(t *testing.T) {
	l, _ := openLedger(t, 1000)
	_, err := l.Close(owner)
	require.NoError(t, err)

	_, err = l.Open(owner, 1000, time.Minute)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, model.PhaseClosed, l.Phase())
}

func TestOpenRejectsBadArguments(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Open(owner, -1, time.Minute)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = l.Open(owner, 10, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = l.Open(owner, 10, 1500*time.Millisecond)
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, model.PhaseUnopened, l.Phase())
}

func TestDurationFromSeconds(t *testing.T) {
	d, err := DurationFromSeconds(90)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = DurationFromSeconds(MaxDurationSeconds)
	require.NoError(t, err)
	assert.Greater(t, int64(d), int64(0))
	assert.Equal(t, MaxDurationSeconds, int64(d/time.Second))

	for _, secs := range []int64{0, -1, MaxDurationSeconds + 1, 18446744074} {
		_, err := DurationFromSeconds(secs)
		require.ErrorIs(t, err, ErrInvalidArgument, "secs=%d", secs)
	}
}

func TestBidBeforeOpenFails(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Bid(alice, 1100)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Zero(t, l.Deposited())
}

func TestOwnerCannotBid(t *testing.T) {
	l, _ := openLedger(t, 1000)
	_, err := l.Bid(owner, 5000)
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestFirstBidMustMeetMinimum(t *testing.T) {
	l, _ := openLedger(t, 1000)

	_, err := l.Bid(alice, 500)
	require.ErrorIs(t, err, ErrBidTooLow)

	ev, err := l.Bid(alice, 1000)
	require.NoError(t, err)
	assert.Equal(t, model.Event{Type: model.EventNewBid, AuctionID: "a1", Bidder: alice, AmountCents: 1000}, ev)
}

func TestZeroBidRejected(t *testing.T) {
	l, _ := openLedger(t, 0)
	_, err := l.Bid(alice, 0)
	require.ErrorIs(t, err, ErrBidTooLow)
	assert.Equal(t, int64(1), l.MinimumNextBid())
}

func TestFivePercentBoundaryIsStrict(t *testing.T) {
	l, _ := openLedger(t, 1000)
	_, err := l.Bid(alice, 2000)
	require.NoError(t, err)

	_, err = l.Bid(bob, 2100)
	require.ErrorIs(t, err, ErrBidTooLow)
	assert.Equal(t, int64(2101), l.MinimumNextBid())

	_, err = l.Bid(bob, 2101)
	require.NoError(t, err)
	assert.Equal(t, model.Bid{Bidder: bob, AmountCents: 2101}, l.Winner())
}

func TestIncrementWithFractionalThreshold(t *testing.T) {
	l, _ := openLedger(t, 1)
	_, err := l.Bid(alice, 1101)
	require.NoError(t, err)

	// 1101 * 1.05 = 1156.05
	_, err = l.Bid(bob, 1156)
	require.ErrorIs(t, err, ErrBidTooLow)
	assert.Equal(t, int64(1157), l.MinimumNextBid())
	_, err = l.Bid(bob, 1157)
	require.NoError(t, err)
}

func TestBestBidStrictlyIncreases(t *testing.T) {
	l, _ := openLedger(t, 100)
	bidders := []string{alice, bob, carol, alice, carol, bob}
	var last int64
	for i, b := range bidders {
		amount := l.MinimumNextBid() + int64(i)
		_, err := l.Bid(b, amount)
		require.NoError(t, err)
		w := l.Winner()
		assert.Greater(t, w.AmountCents, last)
		assert.Equal(t, b, w.Bidder)
		last = w.AmountCents
		require.NoError(t, l.Audit())
	}
}

func TestWorkedExample(t *testing.T) {
	l, _ := openLedger(t, 1000)
	pay := newPayments()

	_, err := l.Bid(alice, 1100)
	require.NoError(t, err)
	assert.Equal(t, alice, l.Winner().Bidder)

	_, err = l.Bid(bob, 1155)
	require.ErrorIs(t, err, ErrBidTooLow)

	_, err = l.Bid(bob, 1200)
	require.NoError(t, err)
	assert.Equal(t, bob, l.Winner().Bidder)
	assert.Equal(t, int64(1100), l.Account(alice).ClaimableCents)
	assert.Zero(t, l.Account(alice).LockedCents)

	_, err = l.Bid(alice, 1300)
	require.NoError(t, err)
	assert.Equal(t, model.Bid{Bidder: alice, AmountCents: 1300}, l.Winner())
	assert.Equal(t, model.BidderAccount{AuctionID: "a1", BidderID: bob, ClaimableCents: 1200}, l.Account(bob))
	assert.Equal(t, model.BidderAccount{AuctionID: "a1", BidderID: alice, LockedCents: 1300, ClaimableCents: 1100}, l.Account(alice))

	ev, err := l.Claims(pay, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), ev.AmountCents)
	assert.Equal(t, int64(1100), pay.paid[alice])

	_, err = l.Claims(pay, alice)
	require.ErrorIs(t, err, ErrNothingToClaim)
	assert.Equal(t, int64(1100), pay.paid[alice])
	require.NoError(t, l.Audit())
}

func TestRaisingOwnBidMovesPreviousToSurplus(t *testing.T) {
	l, _ := openLedger(t, 100)
	_, err := l.Bid(alice, 100)
	require.NoError(t, err)
	_, err = l.Bid(alice, 200)
	require.NoError(t, err)
	_, err = l.Bid(alice, 300)
	require.NoError(t, err)

	acct := l.Account(alice)
	assert.Equal(t, int64(300), acct.LockedCents)
	assert.Equal(t, int64(300), acct.ClaimableCents)
	assert.Equal(t, int64(600), l.Balance(alice))
	assert.Equal(t, []string{alice}, l.Touched())
}

func TestClaimsNothing(t *testing.T) {
	l, _ := openLedger(t, 100)
	_, err := l.Claims(newPayments(), alice)
	require.ErrorIs(t, err, ErrNothingToClaim)

	_, err = l.Bid(alice, 100)
	require.NoError(t, err)
	_, err = l.Claims(newPayments(), alice)
	require.ErrorIs(t, err, ErrNothingToClaim)
}

func TestCloseEmitsOnce(t *testing.T) {
	l, _ := openLedger(t, 100)
	ev, err := l.Close(owner)
	require.NoError(t, err)
	assert.Equal(t, model.EventAuctionClosed, ev.Type)

	_, err = l.Close(owner)
	require.ErrorIs(t, err, ErrInvalidState)

	ev, err = l.Bid(alice, 1_000_000)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, ev.Type)
}

func TestCloseRequiresOwnerAndOpen(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Close(owner)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = l.Open(owner, 1, time.Minute)
	require.NoError(t, err)
	_, err = l.Close(bob)
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestTimeWindowEndsAuction(t *testing.T) {
	l, c := openLedger(t, 100)
	_, err := l.Bid(alice, 100)
	require.NoError(t, err)
	assert.False(t, l.Ended())

	c.advance(29 * time.Second)
	assert.False(t, l.Ended())
	c.advance(time.Second)
	assert.True(t, l.Ended())
	assert.Equal(t, model.PhaseOpen, l.Phase())

	_, err = l.Bid(bob, 1000)
	require.ErrorIs(t, err, ErrInvalidState)

	// The window elapsing does not prevent an explicit close.
	_, err = l.Close(owner)
	require.NoError(t, err)
}

func TestRefundRequiresEndedAuction(t *testing.T) {
	l, _ := openLedger(t, 100)
	_, err := l.Bid(alice, 100)
	require.NoError(t, err)
	_, err = l.Bid(bob, 200)
	require.NoError(t, err)

	_, err = l.Refund(newPayments(), owner, alice)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestRefundSettlesLoserOnce(t *testing.T) {
	l, c := openLedger(t, 100)
	pay := newPayments()
	_, err := l.Bid(alice, 100)
	require.NoError(t, err)
	_, err = l.Bid(bob, 200)
	require.NoError(t, err)
	c.advance(time.Minute)

	_, err = l.Refund(pay, alice, bob)
	require.ErrorIs(t, err, ErrNotAuthorized)

	_, err = l.Refund(pay, owner, bob)
	require.ErrorIs(t, err, ErrInvalidState, "winner is never refunded")

	ev, err := l.Refund(pay, owner, alice)
	require.NoError(t, err)
	assert.Equal(t, model.Event{Type: model.EventRefunded, AuctionID: "a1", Bidder: alice, AmountCents: 100}, ev)
	assert.Zero(t, l.Balance(alice))

	_, err = l.Refund(pay, owner, alice)
	require.ErrorIs(t, err, ErrNothingToRefund)
	_, err = l.Refund(pay, owner, carol)
	require.ErrorIs(t, err, ErrNothingToRefund)
	assert.Equal(t, int64(100), pay.paid[alice])
}

func TestWithdrawPaysWinningBidOnce(t *testing.T) {
	l, _ := openLedger(t, 100)
	pay := newPayments()
	_, err := l.Bid(alice, 100)
	require.NoError(t, err)
	_, err = l.Bid(bob, 200)
	require.NoError(t, err)
	_, err = l.Bid(bob, 300)
	require.NoError(t, err)

	_, err = l.Withdraw(pay, owner)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = l.Close(owner)
	require.NoError(t, err)

	_, err = l.Withdraw(pay, bob)
	require.ErrorIs(t, err, ErrNotAuthorized)

	ev, err := l.Withdraw(pay, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(300), ev.AmountCents)
	assert.Equal(t, int64(300), pay.paid[owner])

	_, err = l.Withdraw(pay, owner)
	require.ErrorIs(t, err, ErrNothingToWithdraw)

	// bob's displaced 200 remains his to claim.
	assert.Equal(t, int64(200), l.Balance(bob))
	assert.Equal(t, model.Bid{Bidder: bob, AmountCents: 300}, l.Winner())
	require.NoError(t, l.Audit())
}

func TestWithdrawWithoutBids(t *testing.T) {
	l, _ := openLedger(t, 100)
	_, err := l.Close(owner)
	require.NoError(t, err)
	_, err = l.Withdraw(newPayments(), owner)
	require.ErrorIs(t, err, ErrNothingToWithdraw)
}

func TestFullSettlementLeavesNothingHeld(t *testing.T) {
	l, _ := openLedger(t, 1000)
	pay := newPayments()
	for _, b := range []struct {
		bidder string
		amount int64
	}{{alice, 1100}, {bob, 1200}, {alice, 1300}, {carol, 1500}, {alice, 2000}} {
		_, err := l.Bid(b.bidder, b.amount)
		require.NoError(t, err)
	}
	_, err := l.Claims(pay, alice)
	require.NoError(t, err)
	_, err = l.Close(owner)
	require.NoError(t, err)

	_, err = l.Refund(pay, owner, bob)
	require.NoError(t, err)
	_, err = l.Refund(pay, owner, carol)
	require.NoError(t, err)
	_, err = l.Withdraw(pay, owner)
	require.NoError(t, err)

	assert.Zero(t, l.Held())
	require.NoError(t, l.Audit())

	var paid int64
	for _, v := range pay.paid {
		paid += v
	}
	assert.Equal(t, l.Deposited(), paid)
	assert.Equal(t, int64(2000), pay.paid[owner])
}

func TestFailedTransferLeavesStateUntouched(t *testing.T) {
	l, _ := openLedger(t, 100)
	_, err := l.Bid(alice, 100)
	require.NoError(t, err)
	_, err = l.Bid(bob, 200)
	require.NoError(t, err)

	boom := errors.New("wallet offline")
	pay := &payments{paid: map[string]int64{}, fail: boom}

	_, err = l.Claims(pay, alice)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(100), l.Account(alice).ClaimableCents)
	assert.Zero(t, l.PaidOut())

	_, err = l.Close(owner)
	require.NoError(t, err)
	_, err = l.Withdraw(pay, owner)
	require.ErrorIs(t, err, ErrTransferFailed)

	pay.fail = nil
	_, err = l.Withdraw(pay, owner)
	require.NoError(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	l, _ := openLedger(t, 100)
	_, err := l.Bid(alice, 100)
	require.NoError(t, err)

	c := l.Clone()
	_, err = l.Bid(bob, 200)
	require.NoError(t, err)

	assert.Equal(t, alice, c.Winner().Bidder)
	assert.Equal(t, int64(100), c.Account(alice).LockedCents)
	assert.Equal(t, int64(100), l.Account(alice).ClaimableCents)
}

func TestRestoreRoundTrip(t *testing.T) {
	l, c := openLedger(t, 100)
	_, err := l.Bid(alice, 100)
	require.NoError(t, err)
	_, err = l.Bid(bob, 200)
	require.NoError(t, err)

	r := Restore(l.State(), l.Accounts(), WithClock(c.now))
	assert.Equal(t, l.State(), r.State())
	assert.Equal(t, l.Accounts(), r.Accounts())

	_, err = r.Bid(carol, 300)
	require.NoError(t, err)
	require.NoError(t, r.Audit())
}

func TestAuditDetectsImbalance(t *testing.T) {
	l, _ := openLedger(t, 100)
	_, err := l.Bid(alice, 100)
	require.NoError(t, err)
	l.accounts[alice].ClaimableCents = 5
	require.ErrorIs(t, l.Audit(), ErrLedgerImbalance)
}

func TestStateDerivedFields(t *testing.T) {
	l, c := newLedger(t)
	s := l.State()
	assert.Nil(t, s.StartTime)
	assert.False(t, s.Ended)
	assert.Equal(t, model.Bid{}, l.Winner())

	_, err := l.Open(owner, 1000, 30*time.Second)
	require.NoError(t, err)
	s = l.State()
	require.NotNil(t, s.EndsAt)
	assert.Equal(t, c.t.Add(30*time.Second), *s.EndsAt)
	assert.Equal(t, int64(30), s.DurationSeconds)
	assert.Equal(t, int64(1000), s.NextMinCents)
}

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/livingledger/backend/internal/ledger"
	"github.com/livingledger/backend/internal/metrics"
	"github.com/livingledger/backend/internal/models"
	"github.com/livingledger/backend/internal/repository/memstore"
)

// ---------------------------------------------------------------------------
// Harness: the real EscrowService and ledger.Service over the in-memory store.
// ---------------------------------------------------------------------------

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []Notification
	fails error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails != nil {
		return r.fails
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) kinds() []NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NotificationKind, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

type harness struct {
	store  *memstore.Store
	ledger *ledger.Service
	svc    *EscrowService
	clock  *clock
	notes  *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	m := metrics.Discard()
	led := ledger.NewService(st, st.Ledger, st.Profiles, m)
	clk := &clock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	notes := &recordingNotifier{}
	return &harness{
		store:  st,
		ledger: led,
		clock:  clk,
		notes:  notes,
		svc: &EscrowService{
			Pool:         st,
			Escrows:      st.Escrows,
			Listings:     st.Listings,
			Profiles:     st.Profiles,
			Ledger:       led,
			Fees:         DefaultFeePolicy(),
			SafetyWindow: DefaultSafetyWindow,
			Notifier:     notes,
			Metrics:      m,
			Now:          clk.Now,
		},
	}
}

// user creates a profile funded with purchased credits.
func (h *harness) user(t *testing.T, credits int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	h.store.Profiles.Add(models.Profile{ID: id, Email: id.String() + "@example.test"})
	if credits > 0 {
		if _, err := h.ledger.CreditPurchase(context.Background(), id, credits, "cs_"+id.String()); err != nil {
			t.Fatalf("fund user: %v", err)
		}
	}
	return id
}

func (h *harness) offer(owner uuid.UUID, price int64, quantity *int) uuid.UUID {
	id := uuid.New()
	h.store.Listings.Add(models.Listing{Ref: models.OfferRef(id), OwnerID: owner, Price: price, Quantity: quantity})
	return id
}

func (h *harness) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	p, err := h.store.Profiles.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	return p.Balance
}

func (h *harness) escrow(t *testing.T, id uuid.UUID) *models.Escrow {
	t.Helper()
	e, err := h.store.Escrows.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	return e
}

// assertReconciled checks that cached balances equal ledger sums for users.
func (h *harness) assertReconciled(t *testing.T, users ...uuid.UUID) {
	t.Helper()
	for _, u := range users {
		r, err := h.ledger.Reconcile(context.Background(), u)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if !r.Balanced {
			t.Errorf("user %s drifted: cached %+v ledger %+v", u, r.Cached, r.Ledger)
		}
	}
}

func (h *harness) entriesFor(escrowID uuid.UUID, typ models.TransactionType) []models.LedgerEntry {
	var out []models.LedgerEntry
	for _, e := range h.store.Ledger.All() {
		if e.RelatedEscrowID != nil && *e.RelatedEscrowID == escrowID && e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func intp(n int) *int { return &n }

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate_HoldsCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	listing := h.offer(seller, 20, nil)

	e, err := h.svc.Create(ctx, Actor{ID: buyer}, listing)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.Status != models.EscrowHeld || e.CreditsHeld != 20 {
		t.Errorf("escrow: got status %s credits %d, want held 20", e.Status, e.CreditsHeld)
	}
	if e.PayerID != buyer || e.ProviderID != seller {
		t.Error("payer must be the caller and provider the listing owner")
	}
	if want := h.clock.Now().Add(7 * 24 * time.Hour); !e.ReleaseAvailableAt.Equal(want) {
		t.Errorf("release_available_at: got %v, want %v", e.ReleaseAvailableAt, want)
	}
	if got := h.balance(t, buyer); got != 30 {
		t.Errorf("buyer balance: got %d, want 30", got)
	}
	holds := h.entriesFor(e.ID, models.TxEscrowHold)
	if len(holds) != 1 || holds[0].Amount != -20 {
		t.Fatalf("escrow_hold entries: %+v", holds)
	}
	if holds[0].RelatedOfferID == nil || *holds[0].RelatedOfferID != listing || holds[0].RelatedRequestID != nil {
		t.Error("hold entry should reference the offer only")
	}
	if kinds := h.notes.kinds(); len(kinds) != 1 || kinds[0] != NotifyEscrowCreated {
		t.Errorf("notifications: %v", kinds)
	}
	h.assertReconciled(t, buyer, seller)
}

func TestCreate_ResolvesRequestsAndShipping(t *testing.T) {
	h := newHarness(t)
	buyer := h.user(t, 100)
	seller := h.user(t, 0)
	id := uuid.New()
	shipping := int64(5)
	h.store.Listings.Add(models.Listing{
		Ref: models.RequestRef(id), OwnerID: seller, Price: 30, IsPhysical: true, ShippingCost: &shipping,
	})

	e, err := h.svc.Create(context.Background(), Actor{ID: buyer}, id)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.Listing != models.RequestRef(id) {
		t.Errorf("listing ref: got %v", e.Listing)
	}
	if e.CreditsHeld != 35 {
		t.Errorf("credits held: got %d, want 35 (price + shipping)", e.CreditsHeld)
	}
}

func TestCreate_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 10)
	seller := h.user(t, 0)
	listing := h.offer(seller, 20, nil)
	own := h.offer(buyer, 5, nil)

	tests := []struct {
		name    string
		actor   Actor
		listing uuid.UUID
		want    error
	}{
		{"unauthenticated", Actor{}, listing, ErrUnauthenticated},
		{"self purchase", Actor{ID: buyer}, own, ErrSelfPurchase},
		{"listing not found", Actor{ID: buyer}, uuid.New(), ErrListingNotFound},
		{"insufficient balance", Actor{ID: buyer}, listing, ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.Create(ctx, tt.actor, tt.listing); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if got := h.balance(t, buyer); got != 10 {
		t.Errorf("rejected creates must not move balance: got %d", got)
	}
	if n := len(h.store.Ledger.All()); n != 1 {
		t.Errorf("ledger entries: got %d, want only the purchase", n)
	}
}

func TestCreate_SoldOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.user(t, 50)
	second := h.user(t, 50)
	seller := h.user(t, 0)
	admin := Actor{ID: uuid.New(), Admin: true}
	listing := h.offer(seller, 10, intp(1))

	e, err := h.svc.Create(ctx, Actor{ID: first}, listing)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if l, _ := h.store.Listings.Get(models.OfferRef(listing)); !l.IsSoldOut {
		t.Error("listing should be flagged sold out at capacity")
	}
	if _, err := h.svc.Create(ctx, Actor{ID: second}, listing); !errors.Is(err, ErrSoldOut) {
		t.Fatalf("second Create: got %v, want ErrSoldOut", err)
	}
	if got := h.balance(t, second); got != 50 {
		t.Errorf("sold-out buyer balance: got %d, want 50", got)
	}

	// A refunded escrow no longer counts against quantity.
	if _, err := h.svc.Refund(ctx, admin, e.ID, "seller unavailable"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if _, err := h.svc.Create(ctx, Actor{ID: second}, listing); err != nil {
		t.Errorf("Create after refund: %v", err)
	}
}

func TestCreate_SoldOutFlagFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	listing := h.offer(seller, 10, intp(1))
	h.store.Listings.FailMarkSoldOut = errors.New("listing store down")

	if _, err := h.svc.Create(context.Background(), Actor{ID: buyer}, listing); err != nil {
		t.Fatalf("Create should succeed when the sold-out flag fails: %v", err)
	}
	if got := h.balance(t, buyer); got != 40 {
		t.Errorf("buyer balance: got %d, want 40", got)
	}
}

// ---------------------------------------------------------------------------
// Confirmations
// ---------------------------------------------------------------------------

func TestConfirmations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	e, err := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	window := e.ReleaseAvailableAt

	if _, err := h.svc.ConfirmCompletion(ctx, Actor{ID: buyer}, e.ID); !errors.Is(err, ErrNotProvider) {
		t.Errorf("buyer confirming completion: got %v", err)
	}
	if _, err := h.svc.ConfirmDelivery(ctx, Actor{ID: seller}, e.ID); !errors.Is(err, ErrNotPayer) {
		t.Errorf("seller confirming delivery: got %v", err)
	}

	h.clock.advance(2 * time.Hour)
	got, err := h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID)
	if err != nil {
		t.Fatalf("ConfirmDelivery: %v", err)
	}
	if got.Status != models.EscrowDelivered || got.DeliveredAt == nil || got.PayerConfirmedAt == nil {
		t.Errorf("after delivery: %+v", got)
	}
	if !got.ReleaseAvailableAt.Equal(window) {
		t.Errorf("delivery moved release_available_at from %v to %v", window, got.ReleaseAvailableAt)
	}
	if _, err := h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Errorf("second delivery confirmation: got %v", err)
	}

	got, err = h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID)
	if err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}
	if got.Status != models.EscrowConfirmed {
		t.Errorf("status after both confirmed: got %s", got.Status)
	}
	if _, err := h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Errorf("second completion confirmation: got %v", err)
	}
	if !h.escrow(t, e.ID).ReleaseAvailableAt.Equal(window) {
		t.Error("release_available_at must never change")
	}
}

func TestConfirmations_ProviderFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))

	got, err := h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID)
	if err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}
	if got.Status != models.EscrowDelivered {
		t.Errorf("provider-only confirmation: got %s, want delivered", got.Status)
	}
	got, err = h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID)
	if err != nil {
		t.Fatalf("ConfirmDelivery: %v", err)
	}
	if got.Status != models.EscrowConfirmed {
		t.Errorf("status: got %s, want confirmed", got.Status)
	}
}

// ---------------------------------------------------------------------------
// Release
// ---------------------------------------------------------------------------

func TestScenarioA_BothConfirmedRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	e, err := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := h.balance(t, buyer); got != 30 {
		t.Fatalf("buyer balance after create: got %d, want 30", got)
	}
	if _, err := h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID); err != nil {
		t.Fatal(err)
	}

	st, err := h.svc.Release(ctx, Actor{ID: buyer}, e.ID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if st.PlatformFee != 3 || st.ProviderCredits != 17 {
		t.Errorf("split: fee %d provider %d, want 3 and 17", st.PlatformFee, st.ProviderCredits)
	}
	if st.PlatformFee+st.ProviderCredits != e.CreditsHeld {
		t.Error("fee + provider credits must equal credits held")
	}
	if st.Escrow.Status != models.EscrowReleased || st.Escrow.ReleasedAt == nil {
		t.Errorf("escrow after release: %+v", st.Escrow)
	}
	if got := h.balance(t, seller); got != 17 {
		t.Errorf("provider balance: got %d, want 17", got)
	}
	if got := h.balance(t, buyer); got != 30 {
		t.Errorf("buyer balance: got %d, want 30", got)
	}

	earned := h.entriesFor(e.ID, models.TxEarned)
	fees := h.entriesFor(e.ID, models.TxPlatformFee)
	if len(earned) != 1 || earned[0].Amount != 20 || !earned[0].CanCashout {
		t.Errorf("earned entries: %+v", earned)
	}
	if len(fees) != 1 || fees[0].Amount != -3 {
		t.Errorf("platform_fee entries: %+v", fees)
	}
	h.assertReconciled(t, buyer, seller)

	bal, err := h.ledger.Balance(ctx, seller)
	if err != nil {
		t.Fatal(err)
	}
	if bal.EarnedCredits != 17 || bal.Cashable != 17 {
		t.Errorf("provider buckets: %+v", bal)
	}
}

func TestRelease_HeldIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))

	h.clock.advance(30 * 24 * time.Hour)
	if _, err := h.svc.Release(ctx, Actor{ID: buyer}, e.ID); !errors.Is(err, ErrNotDelivered) {
		t.Errorf("release of held escrow: got %v, want ErrNotDelivered", err)
	}
	if len(h.entriesFor(e.ID, models.TxEarned)) != 0 {
		t.Error("no earned entry may be written")
	}
}

func TestScenarioB_SafetyWindowRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
	if _, err := h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID); err != nil {
		t.Fatal(err)
	}

	_, err := h.svc.Release(ctx, Actor{ID: seller}, e.ID)
	var notReady *NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("same-day release: got %v, want NotReadyError", err)
	}
	if notReady.DaysRemaining != 7 {
		t.Errorf("days remaining: got %d, want 7", notReady.DaysRemaining)
	}

	h.clock.advance(8 * 24 * time.Hour)
	st, err := h.svc.Release(ctx, Actor{ID: seller}, e.ID)
	if err != nil {
		t.Fatalf("release after window: %v", err)
	}
	if st.Escrow.ProviderConfirmedAt != nil {
		t.Error("one-sided path must not require provider confirmation")
	}
	if got := h.balance(t, seller); got != 17 {
		t.Errorf("provider balance: got %d, want 17", got)
	}
}

func TestRelease_OutsiderForbidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
	if _, err := h.svc.Release(ctx, Actor{ID: uuid.New()}, e.ID); !errors.Is(err, ErrNotParty) {
		t.Errorf("got %v, want ErrNotParty", err)
	}
	if _, err := h.svc.Get(ctx, Actor{ID: uuid.New()}, e.ID); !errors.Is(err, ErrNotParty) {
		t.Errorf("Get by outsider: got %v", err)
	}
	if _, err := h.svc.Get(ctx, Actor{ID: uuid.New(), Admin: true}, e.ID); err != nil {
		t.Errorf("Get by admin: %v", err)
	}
}

func TestRelease_AtMostOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 40, nil))
	h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID)
	h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := Actor{ID: buyer}
			if i%2 == 0 {
				actor = Actor{ID: seller}
			}
			_, err := h.svc.Release(ctx, actor, e.ID)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyReleased):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("successful releases: got %d, want 1", ok)
	}
	trail, err := h.store.Ledger.ListByEscrow(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	counts := map[models.TransactionType]int{}
	for _, entry := range trail {
		counts[entry.Type]++
	}
	if len(trail) != 3 || counts[models.TxEscrowHold] != 1 || counts[models.TxEarned] != 1 || counts[models.TxPlatformFee] != 1 {
		t.Errorf("escrow trail: got %v, want one hold, one earned and one fee", counts)
	}
	if got := h.balance(t, seller); got != 34 {
		t.Errorf("provider balance: got %d, want 34", got)
	}
}

func TestRelease_LedgerFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
	h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID)
	h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID)

	boom := errors.New("trigger failed")
	h.store.Ledger.FailOn = func(entry *models.LedgerEntry) error {
		if entry.Type == models.TxPlatformFee {
			return boom
		}
		return nil
	}
	if _, err := h.svc.Release(ctx, Actor{ID: buyer}, e.ID); !errors.Is(err, boom) {
		t.Fatalf("Release: got %v, want injected failure", err)
	}
	if got := h.escrow(t, e.ID); got.Status != models.EscrowConfirmed || got.ReleasedAt != nil {
		t.Errorf("escrow must be untouched after a failed release: %+v", got)
	}
	if n := len(h.entriesFor(e.ID, models.TxEarned)); n != 0 {
		t.Errorf("earned entry survived rollback: %d", n)
	}
	if got := h.balance(t, seller); got != 0 {
		t.Errorf("provider balance after rollback: got %d, want 0", got)
	}

	h.store.Ledger.FailOn = nil
	if _, err := h.svc.Release(ctx, Actor{ID: buyer}, e.ID); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
	h.assertReconciled(t, buyer, seller)
}

func TestRelease_NotificationFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
	h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID)
	h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID)

	h.notes.fails = errors.New("queue unavailable")
	if _, err := h.svc.Release(ctx, Actor{ID: buyer}, e.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := h.escrow(t, e.ID).Status; got != models.EscrowReleased {
		t.Errorf("status: got %s", got)
	}
}

// ---------------------------------------------------------------------------
// Disputes and admin resolution
// ---------------------------------------------------------------------------

func TestScenarioC_DisputeThenForceRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	admin := Actor{ID: uuid.New(), Admin: true}
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
	h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID)
	h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID)

	if _, err := h.svc.Dispute(ctx, Actor{ID: seller}, e.ID, "  "); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("blank reason: got %v", err)
	}
	got, err := h.svc.Dispute(ctx, Actor{ID: seller}, e.ID, "buyer unresponsive")
	if err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if got.Status != models.EscrowDisputed || got.DisputeStatus != models.DisputeOpen ||
		got.DisputeReportedBy == nil || *got.DisputeReportedBy != seller {
		t.Errorf("after dispute: %+v", got)
	}
	if _, err := h.svc.Dispute(ctx, Actor{ID: buyer}, e.ID, "again"); !errors.Is(err, ErrAlreadyDisputed) {
		t.Errorf("second dispute: got %v", err)
	}

	h.clock.advance(30 * 24 * time.Hour)
	if _, err := h.svc.Release(ctx, Actor{ID: buyer}, e.ID); !errors.Is(err, ErrDisputed) {
		t.Errorf("release while disputed: got %v, want ErrDisputed", err)
	}
	if _, err := h.svc.ForceRelease(ctx, Actor{ID: buyer}, e.ID, ""); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("non-admin force release: got %v", err)
	}

	st, err := h.svc.ForceRelease(ctx, admin, e.ID, "work verified")
	if err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	if st.Escrow.Status != models.EscrowReleased || st.Escrow.DisputeStatus != models.DisputeResolved ||
		st.Escrow.ResolvedAt == nil || st.Escrow.AdminNote == nil {
		t.Errorf("after force release: %+v", st.Escrow)
	}
	if got := h.balance(t, seller); got != 17 {
		t.Errorf("provider balance: got %d, want 17", got)
	}
	if _, err := h.svc.ForceRelease(ctx, admin, e.ID, ""); !errors.Is(err, ErrAlreadyReleased) {
		t.Errorf("second force release: got %v", err)
	}
	if _, err := h.svc.Refund(ctx, admin, e.ID, ""); !errors.Is(err, ErrAlreadyReleased) {
		t.Errorf("refund after release: got %v", err)
	}
	h.assertReconciled(t, buyer, seller)
}

func TestCancelDispute_ReporterOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
	h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID)

	if _, err := h.svc.CancelDispute(ctx, Actor{ID: buyer}, e.ID); !errors.Is(err, ErrDisputeNotOpen) {
		t.Errorf("cancel without dispute: got %v", err)
	}
	if _, err := h.svc.Dispute(ctx, Actor{ID: seller}, e.ID, "wrong item"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.CancelDispute(ctx, Actor{ID: buyer}, e.ID); !errors.Is(err, ErrNotReporter) {
		t.Errorf("cancel by counterparty: got %v, want ErrNotReporter", err)
	}
	got, err := h.svc.CancelDispute(ctx, Actor{ID: seller}, e.ID)
	if err != nil {
		t.Fatalf("CancelDispute: %v", err)
	}
	if got.Status != models.EscrowDelivered || got.DisputeStatus != models.DisputeNone ||
		got.DisputeReason != nil || got.DisputeReportedBy != nil {
		t.Errorf("after cancel: %+v", got)
	}

	// Normal progress resumes: the buyer's earlier confirmation still counts.
	got, err = h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID)
	if err != nil {
		t.Fatalf("ConfirmCompletion after cancel: %v", err)
	}
	if got.Status != models.EscrowConfirmed {
		t.Errorf("status: got %s, want confirmed", got.Status)
	}
	if _, err := h.svc.Release(ctx, Actor{ID: seller}, e.ID); err != nil {
		t.Errorf("Release after cancelled dispute: %v", err)
	}
}

func TestCancelDispute_PayerConfirmedReleasesAfterWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
	if _, err := h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Dispute(ctx, Actor{ID: buyer}, e.ID, "changed my mind"); err != nil {
		t.Fatal(err)
	}
	got, err := h.svc.CancelDispute(ctx, Actor{ID: buyer}, e.ID)
	if err != nil {
		t.Fatalf("CancelDispute: %v", err)
	}
	if got.Status != models.EscrowDelivered {
		t.Fatalf("status after cancel: got %s, want delivered", got.Status)
	}
	if _, err := h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Errorf("second delivery confirmation: got %v", err)
	}

	var nr *NotReadyError
	if _, err := h.svc.Release(ctx, Actor{ID: seller}, e.ID); !errors.As(err, &nr) {
		t.Errorf("release inside the window: got %v, want NotReadyError", err)
	}
	h.clock.advance(8 * 24 * time.Hour)
	if _, err := h.svc.Release(ctx, Actor{ID: seller}, e.ID); err != nil {
		t.Fatalf("release after the window: %v", err)
	}
	if got := h.balance(t, seller); got != 17 {
		t.Errorf("provider balance: got %d, want 17", got)
	}
	h.assertReconciled(t, buyer, seller)
}

func TestCancelDispute_BothConfirmedReleasesImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
	h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID)
	h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID)
	if _, err := h.svc.Dispute(ctx, Actor{ID: seller}, e.ID, "payment question"); err != nil {
		t.Fatal(err)
	}
	got, err := h.svc.CancelDispute(ctx, Actor{ID: seller}, e.ID)
	if err != nil {
		t.Fatalf("CancelDispute: %v", err)
	}
	if got.Status != models.EscrowConfirmed {
		t.Fatalf("status after cancel: got %s, want confirmed", got.Status)
	}
	if _, err := h.svc.Release(ctx, Actor{ID: buyer}, e.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	h.assertReconciled(t, buyer, seller)
}

func TestRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 50)
	seller := h.user(t, 0)
	admin := Actor{ID: uuid.New(), Admin: true}
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
	h.svc.Dispute(ctx, Actor{ID: buyer}, e.ID, "never delivered")

	if _, err := h.svc.Refund(ctx, Actor{ID: buyer}, e.ID, ""); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("non-admin refund: got %v", err)
	}
	got, err := h.svc.Refund(ctx, admin, e.ID, "no proof of delivery")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got.Status != models.EscrowRefunded || got.DisputeStatus != models.DisputeResolved {
		t.Errorf("after refund: %+v", got)
	}
	if bal := h.balance(t, buyer); bal != 50 {
		t.Errorf("buyer balance: got %d, want 50", bal)
	}
	refunds := h.entriesFor(e.ID, models.TxRefund)
	if len(refunds) != 1 || refunds[0].Amount != 20 || refunds[0].Source != models.SourceRefund {
		t.Errorf("refund entries: %+v", refunds)
	}
	if _, err := h.svc.Refund(ctx, admin, e.ID, ""); !errors.Is(err, ErrAlreadyRefunded) {
		t.Errorf("second refund: got %v", err)
	}
	if _, err := h.svc.ForceRelease(ctx, admin, e.ID, ""); !errors.Is(err, ErrAlreadyRefunded) {
		t.Errorf("release after refund: got %v", err)
	}
	if _, err := h.svc.Dispute(ctx, Actor{ID: buyer}, e.ID, "more"); !errors.Is(err, ErrAlreadyRefunded) {
		t.Errorf("dispute after refund: got %v", err)
	}
	if len(h.entriesFor(e.ID, models.TxEarned)) != 0 {
		t.Error("a refunded escrow must never produce earned entries")
	}
	h.assertReconciled(t, buyer, seller)
}

// ---------------------------------------------------------------------------
// Auto-release sweep
// ---------------------------------------------------------------------------

func TestScenarioD_SweepIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 100)
	seller := h.user(t, 0)

	var eligible []uuid.UUID
	for i := 0; i < 3; i++ {
		e, err := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
		if err != nil {
			t.Fatal(err)
		}
		h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID)
		h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID)
		eligible = append(eligible, e.ID)
	}
	oneSided, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 10, nil))
	h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, oneSided.ID)

	res, err := h.svc.Sweep(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 0 {
		t.Errorf("sweep inside the window: got %+v", res)
	}

	h.clock.advance(8 * 24 * time.Hour)
	res, err = h.svc.Sweep(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Released != 3 || res.Failed != 0 || res.Total != 3 {
		t.Errorf("first sweep: got %+v, want 3 released", res)
	}
	res, err = h.svc.Sweep(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Released != 0 || res.Total != 0 {
		t.Errorf("second sweep: got %+v, want nothing", res)
	}

	for _, id := range eligible {
		if n := len(h.entriesFor(id, models.TxEarned)); n != 1 {
			t.Errorf("escrow %s earned entries: got %d, want 1", id, n)
		}
	}
	if got := h.escrow(t, oneSided.ID).Status; got != models.EscrowDelivered {
		t.Errorf("one-sided escrow must be left for manual release, got %s", got)
	}
	if got := h.balance(t, seller); got != 3*17 {
		t.Errorf("provider balance: got %d, want %d", got, 3*17)
	}
	h.assertReconciled(t, buyer, seller)
}

func TestSweep_PagesPastBatchSize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 100)
	seller := h.user(t, 0)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		e, err := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
		if err != nil {
			t.Fatal(err)
		}
		h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID)
		h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID)
		ids = append(ids, e.ID)
	}
	h.clock.advance(8 * 24 * time.Hour)

	res, err := h.svc.Sweep(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Released != 5 || res.Total != 5 || res.Failed != 0 {
		t.Errorf("sweep: got %+v, want 5 released", res)
	}
	for _, id := range ids {
		if got := h.escrow(t, id).Status; got != models.EscrowReleased {
			t.Errorf("escrow %s: got %s, want released", id, got)
		}
	}
	if got := h.balance(t, seller); got != 5*17 {
		t.Errorf("provider balance: got %d, want %d", got, 5*17)
	}
	h.assertReconciled(t, buyer, seller)
}

func TestSweep_FailureDoesNotAbortOthers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 100)
	seller := h.user(t, 0)

	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
		h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID)
		h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID)
		ids = append(ids, e.ID)
	}
	broken := ids[0]
	h.store.Ledger.FailOn = func(entry *models.LedgerEntry) error {
		if entry.RelatedEscrowID != nil && *entry.RelatedEscrowID == broken {
			return errors.New("disk full")
		}
		return nil
	}

	h.clock.advance(8 * 24 * time.Hour)
	res, err := h.svc.Sweep(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Released != 1 || res.Failed != 1 || res.Total != 2 {
		t.Errorf("sweep: got %+v, want 1 released 1 failed", res)
	}
	if got := h.escrow(t, broken).Status; got != models.EscrowConfirmed {
		t.Errorf("failed escrow status: got %s", got)
	}
	if got := h.escrow(t, ids[1]).Status; got != models.EscrowReleased {
		t.Errorf("healthy escrow status: got %s", got)
	}
}

func TestSweep_SkipsDisputed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 100)
	seller := h.user(t, 0)
	e, _ := h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 20, nil))
	h.svc.ConfirmCompletion(ctx, Actor{ID: seller}, e.ID)
	h.svc.ConfirmDelivery(ctx, Actor{ID: buyer}, e.ID)
	h.svc.Dispute(ctx, Actor{ID: buyer}, e.ID, "changed my mind")

	h.clock.advance(8 * 24 * time.Hour)
	res, err := h.svc.Sweep(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 0 || res.Released != 0 {
		t.Errorf("disputed escrow must not be swept: %+v", res)
	}
}

func TestListForUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.user(t, 100)
	seller := h.user(t, 0)
	other := h.user(t, 100)
	h.svc.Create(ctx, Actor{ID: buyer}, h.offer(seller, 10, nil))
	h.svc.Create(ctx, Actor{ID: other}, h.offer(seller, 10, nil))

	mine, err := h.svc.ListForUser(ctx, buyer)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 {
		t.Errorf("buyer escrows: got %d, want 1", len(mine))
	}
	theirs, _ := h.svc.ListForUser(ctx, seller)
	if len(theirs) != 2 {
		t.Errorf("seller escrows: got %d, want 2", len(theirs))
	}
}

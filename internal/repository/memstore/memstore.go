// Package memstore is an in-memory implementation of the repository
// interfaces. Transactions serialize on a single lock and restore a snapshot on
// rollback; ledger inserts apply the same aggregation rules as the
// transactions_apply trigger.
package memstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/livingledger/backend/internal/models"
	"github.com/livingledger/backend/internal/repository"
)

// ErrCheckViolation mirrors the profiles balance >= 0 constraint.
var ErrCheckViolation = errors.New("check constraint violated: balance >= 0")

type state struct {
	profiles map[uuid.UUID]models.Profile
	escrows  map[uuid.UUID]models.Escrow
	entries  []models.LedgerEntry
	listings map[models.ListingRef]models.Listing
}

func (s *state) clone() *state {
	c := &state{
		profiles: make(map[uuid.UUID]models.Profile, len(s.profiles)),
		escrows:  make(map[uuid.UUID]models.Escrow, len(s.escrows)),
		entries:  append([]models.LedgerEntry(nil), s.entries...),
		listings: make(map[models.ListingRef]models.Listing, len(s.listings)),
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.listings {
		c.listings[k] = v
	}
	return c
}

// Store owns the shared state. Use the Profiles, Ledger, Escrows and Listings
// views as the repository implementations.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time

	Profiles *Profiles
	Ledger   *Ledger
	Escrows  *Escrows
	Listings *Listings
}

func New() *Store {
	s := &Store{
		st: &state{
			profiles: make(map[uuid.UUID]models.Profile),
			escrows:  make(map[uuid.UUID]models.Escrow),
			listings: make(map[models.ListingRef]models.Listing),
		},
		now: time.Now,
	}
	s.Profiles = &Profiles{s: s}
	s.Ledger = &Ledger{s: s}
	s.Escrows = &Escrows{s: s}
	s.Listings = &Listings{s: s}
	return s
}

// Begin takes the store lock until Commit or Rollback.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &tx{s: s, snap: s.st.clone()}, nil
}

func (s *Store) read(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}

type tx struct {
	s    *Store
	snap *state
	done bool
}

func (t *tx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("memstore: nested tx") }

func (t *tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.s.st = t.snap
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), errors.New("memstore: raw SQL unsupported")
}
func (t *tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("memstore: raw SQL unsupported")
}
func (t *tx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (t *tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("memstore: copy unsupported")
}
func (t *tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("memstore: prepare unsupported")
}
func (t *tx) Conn() *pgx.Conn { return nil }

// Profiles implements the profile repository.
type Profiles struct{ s *Store }

// Add inserts a profile with zero balances.
func (p *Profiles) Add(profile models.Profile) {
	profile.Balance, profile.PurchasedCredits, profile.EarnedCredits = 0, 0, 0
	p.s.read(func(st *state) { st.profiles[profile.ID] = profile })
}

func (p *Profiles) GetByID(_ context.Context, id uuid.UUID) (*models.Profile, error) {
	var out *models.Profile
	p.s.read(func(st *state) {
		if v, ok := st.profiles[id]; ok {
			out = &v
		}
	})
	if out == nil {
		return nil, repository.ErrNotFound
	}
	return out, nil
}

func (p *Profiles) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Profile, error) {
	v, ok := p.s.st.profiles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &v, nil
}

func (p *Profiles) IsAdmin(ctx context.Context, id uuid.UUID) (bool, error) {
	v, err := p.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return v.IsAdmin, nil
}

// Ledger implements the ledger repository.
type Ledger struct {
	s *Store
	// FailOn, when set, is consulted before every insert; a non-nil result aborts it.
	FailOn func(e *models.LedgerEntry) error
}

func (l *Ledger) Insert(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	return l.insert(l.s.st, e)
}

func (l *Ledger) InsertIdempotent(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) (bool, error) {
	if e.ExternalPaymentRef != nil {
		for _, existing := range l.s.st.entries {
			if existing.ExternalPaymentRef != nil && *existing.ExternalPaymentRef == *e.ExternalPaymentRef {
				return false, nil
			}
		}
	}
	if err := l.insert(l.s.st, e); err != nil {
		return false, err
	}
	return true, nil
}

// insert applies the trigger: every entry moves balance; purchased entries move
// purchased_credits; earned and refund entries move earned_credits.
func (l *Ledger) insert(st *state, e *models.LedgerEntry) error {
	if l.FailOn != nil {
		if err := l.FailOn(e); err != nil {
			return err
		}
	}
	if e.Amount == 0 {
		return errors.New("check constraint violated: amount <> 0")
	}
	if e.ExternalPaymentRef != nil {
		for _, existing := range st.entries {
			if existing.ExternalPaymentRef != nil && *existing.ExternalPaymentRef == *e.ExternalPaymentRef {
				return fmt.Errorf("%w: idx_transactions_payment_ref", repository.ErrDuplicate)
			}
		}
	}
	p, ok := st.profiles[e.UserID]
	if !ok {
		return fmt.Errorf("profile %s not found", e.UserID)
	}
	p.Balance += e.Amount
	switch e.Source {
	case models.SourcePurchased:
		p.PurchasedCredits += e.Amount
	case models.SourceEarned, models.SourceRefund:
		p.EarnedCredits += e.Amount
	}
	if p.Balance < 0 {
		return ErrCheckViolation
	}
	st.profiles[e.UserID] = p
	e.CreatedAt = l.s.now()
	st.entries = append(st.entries, *e)
	return nil
}

func (l *Ledger) CashableTx(_ context.Context, _ pgx.Tx, userID uuid.UUID) (int64, error) {
	var total int64
	for _, e := range l.s.st.entries {
		if e.UserID == userID && e.CanCashout {
			total += e.Amount
		}
	}
	return total, nil
}

func (l *Ledger) Sums(_ context.Context, userID uuid.UUID) (repository.LedgerSums, error) {
	var sums repository.LedgerSums
	l.s.read(func(st *state) {
		for _, e := range st.entries {
			if e.UserID != userID {
				continue
			}
			sums.Total += e.Amount
			switch e.Source {
			case models.SourcePurchased:
				sums.Purchased += e.Amount
			case models.SourceEarned, models.SourceRefund:
				sums.Earned += e.Amount
			}
			if e.CanCashout {
				sums.Cashable += e.Amount
			}
		}
	})
	return sums, nil
}

func (l *Ledger) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	l.s.read(func(st *state) {
		for i := len(st.entries) - 1; i >= 0 && len(out) < limit; i-- {
			if st.entries[i].UserID == userID {
				e := st.entries[i]
				out = append(out, &e)
			}
		}
	})
	return out, nil
}

func (l *Ledger) ListByEscrow(_ context.Context, escrowID uuid.UUID) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	l.s.read(func(st *state) {
		for _, e := range st.entries {
			if e.RelatedEscrowID != nil && *e.RelatedEscrowID == escrowID {
				e := e
				out = append(out, &e)
			}
		}
	})
	return out, nil
}

// All returns every entry in insertion order.
func (l *Ledger) All() []models.LedgerEntry {
	var out []models.LedgerEntry
	l.s.read(func(st *state) { out = append(out, st.entries...) })
	return out
}

// Escrows implements the escrow repository.
type Escrows struct{ s *Store }

func (r *Escrows) Create(_ context.Context, _ pgx.Tx, e *models.Escrow) error {
	st := r.s.st
	if _, ok := st.escrows[e.ID]; ok {
		return fmt.Errorf("%w: escrows_pkey", repository.ErrDuplicate)
	}
	if e.PayerID == e.ProviderID {
		return errors.New("check constraint violated: payer_id <> provider_id")
	}
	e.CreatedAt = r.s.now()
	st.escrows[e.ID] = *e
	return nil
}

func (r *Escrows) GetByID(_ context.Context, id uuid.UUID) (*models.Escrow, error) {
	var out *models.Escrow
	r.s.read(func(st *state) {
		if v, ok := st.escrows[id]; ok {
			out = &v
		}
	})
	if out == nil {
		return nil, repository.ErrNotFound
	}
	return out, nil
}

func (r *Escrows) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Escrow, error) {
	v, ok := r.s.st.escrows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &v, nil
}

// Update enforces the same guards as the escrows_guard trigger.
func (r *Escrows) Update(_ context.Context, _ pgx.Tx, e *models.Escrow, expected models.EscrowStatus) error {
	st := r.s.st
	old, ok := st.escrows[e.ID]
	if !ok || old.Status != expected {
		return repository.ErrStale
	}
	if old.Status.Final() {
		return fmt.Errorf("escrow %s is final", old.ID)
	}
	if !e.ReleaseAvailableAt.Equal(old.ReleaseAvailableAt) || e.CreditsHeld != old.CreditsHeld ||
		e.PayerID != old.PayerID || e.ProviderID != old.ProviderID {
		return fmt.Errorf("escrow %s immutable fields changed", old.ID)
	}
	st.escrows[e.ID] = *e
	return nil
}

func (r *Escrows) CountActiveForListing(_ context.Context, _ pgx.Tx, ref models.ListingRef) (int, error) {
	n := 0
	for _, e := range r.s.st.escrows {
		if e.Listing == ref && e.Status.CountsAgainstQuantity() {
			n++
		}
	}
	return n, nil
}

func (r *Escrows) ListByParty(_ context.Context, userID uuid.UUID) ([]*models.Escrow, error) {
	var out []*models.Escrow
	r.s.read(func(st *state) {
		for _, e := range st.escrows {
			if e.IsParty(userID) {
				e := e
				out = append(out, &e)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *Escrows) ListAutoReleaseCandidates(_ context.Context, now time.Time, after *repository.SweepCursor, limit int) ([]repository.SweepCursor, error) {
	var due []repository.SweepCursor
	r.s.read(func(st *state) {
		for _, e := range st.escrows {
			if !e.BothConfirmed() || e.ReleaseAvailableAt.After(now) {
				continue
			}
			if e.Status.Final() || e.Status == models.EscrowDisputed {
				continue
			}
			c := repository.SweepCursor{ReleaseAvailableAt: e.ReleaseAvailableAt, ID: e.ID}
			if after != nil && !cursorLess(*after, c) {
				continue
			}
			due = append(due, c)
		}
	})
	sort.Slice(due, func(i, j int) bool { return cursorLess(due[i], due[j]) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// cursorLess orders like Postgres: time, then uuid bytes.
func cursorLess(a, b repository.SweepCursor) bool {
	if !a.ReleaseAvailableAt.Equal(b.ReleaseAvailableAt) {
		return a.ReleaseAvailableAt.Before(b.ReleaseAvailableAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// Put stores e as-is, bypassing lifecycle rules. For test fixtures.
func (r *Escrows) Put(e models.Escrow) {
	r.s.read(func(st *state) { st.escrows[e.ID] = e })
}

// Listings implements the listing repository.
type Listings struct {
	s *Store
	// FailMarkSoldOut, when set, is returned by MarkSoldOut.
	FailMarkSoldOut error
}

func (l *Listings) Add(listing models.Listing) {
	l.s.read(func(st *state) { st.listings[listing.Ref] = listing })
}

func (l *Listings) Get(ref models.ListingRef) (models.Listing, bool) {
	var out models.Listing
	var ok bool
	l.s.read(func(st *state) { out, ok = st.listings[ref] })
	return out, ok
}

func (l *Listings) ResolveForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Listing, error) {
	for _, kind := range []models.ListingKind{models.ListingOffer, models.ListingRequest} {
		if v, ok := l.s.st.listings[models.ListingRef{Kind: kind, ID: id}]; ok {
			return &v, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (l *Listings) MarkSoldOut(_ context.Context, ref models.ListingRef) error {
	if l.FailMarkSoldOut != nil {
		return l.FailMarkSoldOut
	}
	var err error
	l.s.read(func(st *state) {
		v, ok := st.listings[ref]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		v.IsSoldOut = true
		st.listings[ref] = v
	})
	return err
}

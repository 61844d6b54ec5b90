package closure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"toolshare/db"
	"toolshare/dispute"
	"toolshare/payment"
	"toolshare/rental"
)

type memStore struct {
	mu        sync.Mutex
	reqs      map[string]Request
	audits    []AuditEntry
	insertErr error

	// updateErr fails the next Update only.
	updateErr      error
	initiatorLocks int
}

func newMemStore() *memStore {
	return &memStore{reqs: map[string]Request{}}
}

func (m *memStore) Insert(ctx context.Context, q db.Querier, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	for _, r := range m.reqs {
		if r.DisputeID == req.DisputeID && r.Status.Active() {
			return ErrActiveClosureExists
		}
	}
	m.reqs[req.ID] = req
	return nil
}

func (m *memStore) Get(ctx context.Context, q db.Querier, id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r, nil
}

func (m *memStore) GetForUpdate(ctx context.Context, q db.Querier, id string) (Request, error) {
	return m.Get(ctx, q, id)
}

func (m *memStore) HasActive(ctx context.Context, q db.Querier, disputeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reqs {
		if r.DisputeID == disputeID && r.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListByDispute(ctx context.Context, q db.Querier, disputeID string) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, r := range m.reqs {
		if r.DisputeID == disputeID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) Update(ctx context.Context, q db.Querier, req Request, from ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateErr; err != nil {
		m.updateErr = nil
		return err
	}
	cur, ok := m.reqs[req.ID]
	if !ok {
		return ErrBadStatus
	}
	for _, s := range from {
		if cur.Status == s {
			m.reqs[req.ID] = req
			return nil
		}
	}
	return ErrBadStatus
}

func (m *memStore) AppendAudit(ctx context.Context, q db.Querier, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
	return nil
}

func (m *memStore) ListAudit(ctx context.Context, q db.Querier, closureID string) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEntry
	for _, e := range m.audits {
		if e.ClosureID == closureID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) CountInitiatedSince(ctx context.Context, q db.Querier, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.reqs {
		if r.InitiatorID == userID && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) LockInitiator(ctx context.Context, q db.Querier, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initiatorLocks++
	return nil
}

func (m *memStore) LockExpired(ctx context.Context, q db.Querier, now time.Time, limit int) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, r := range m.reqs {
		if r.Status == StatusPending && r.ExpiresAt.Before(now) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ExpireBatch(ctx context.Context, tx pgx.Tx, ids []string, entries []AuditEntry, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		r := m.reqs[id]
		if r.Status != StatusPending {
			return ErrBadStatus
		}
		r.Status = StatusExpired
		r.UpdatedAt = at
		m.reqs[id] = r
	}
	m.audits = append(m.audits, entries...)
	return nil
}

func (m *memStore) ListExpiring(ctx context.Context, q db.Querier, from, until time.Time) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, r := range m.reqs {
		if r.Status == StatusPending && r.ExpiresAt.After(from) && !r.ExpiresAt.After(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) only(t interface{ Fatalf(string, ...any) }) Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reqs) != 1 {
		t.Fatalf("expected exactly one stored request, got %d", len(m.reqs))
	}
	for _, r := range m.reqs {
		return r
	}
	return Request{}
}

func (m *memStore) auditActions(closureID string) []AuditAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditAction
	for _, e := range m.audits {
		if e.ClosureID == closureID {
			out = append(out, e.Action)
		}
	}
	return out
}

type fakeDisputes struct {
	records map[string]dispute.Record
}

func (f *fakeDisputes) Get(ctx context.Context, q db.Querier, id string) (dispute.Record, error) {
	d, ok := f.records[id]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	return d, nil
}

func (f *fakeDisputes) GetForUpdate(ctx context.Context, q db.Querier, id string) (dispute.Record, error) {
	return f.Get(ctx, q, id)
}

func (f *fakeDisputes) ResolveByMutualAgreement(ctx context.Context, q db.Querier, res dispute.MutualResolution) (dispute.Record, error) {
	d, ok := f.records[res.DisputeID]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	if d.Settled() {
		return dispute.Record{}, dispute.ErrBadStatus
	}
	resolution := dispute.ResolutionMutualAgreement
	notes := res.Notes
	at := res.ResolvedAt
	d.Status = dispute.StatusResolved
	d.Resolution = &resolution
	d.ResolutionNotes = &notes
	d.RefundAmount = res.RefundAmount
	d.ResolvedAt = &at
	f.records[d.ID] = d
	return d, nil
}

type fakeRentals struct {
	parties map[string]rental.Parties
}

func (f *fakeRentals) Get(ctx context.Context, q db.Querier, rentalID string) (rental.Parties, error) {
	p, ok := f.parties[rentalID]
	if !ok {
		return rental.Parties{}, rental.ErrNotFound
	}
	return p, nil
}

type fakePayments struct {
	byRental map[string]payment.Payment
}

func (f *fakePayments) ForRental(ctx context.Context, q db.Querier, rentalID string) (payment.Payment, error) {
	p, ok := f.byRental[rentalID]
	if !ok {
		return payment.Payment{}, payment.ErrNotFound
	}
	return p, nil
}

type refundCall struct {
	q        db.Querier
	rentalID string
	amount   decimal.Decimal
	reason   string
}

type fakeRefunder struct {
	result payment.RefundResult
	err    error
	calls  []refundCall
}

func (f *fakeRefunder) RefundRental(ctx context.Context, q db.Querier, rentalID string, amount decimal.Decimal, reason string) (payment.RefundResult, error) {
	f.calls = append(f.calls, refundCall{q: q, rentalID: rentalID, amount: amount, reason: reason})
	return f.result, f.err
}

// durable counts successful refunds whose writes reached a committed
// top-level transaction.
func (f *fakeRefunder) durable() int {
	if f.err != nil || !f.result.Success {
		return 0
	}
	n := 0
	for _, c := range f.calls {
		if tx, ok := c.q.(*fakeTx); ok && tx.durable() {
			n++
		}
	}
	return n
}

type fakeVelocity struct {
	refuse   bool
	reserved []string
	released []string
}

func (f *fakeVelocity) Exceeded(context.Context, db.Querier, string, time.Time) (bool, error) {
	return false, nil
}

func (f *fakeVelocity) Reserve(ctx context.Context, q db.Querier, userID, closureID string, now time.Time) (bool, error) {
	f.reserved = append(f.reserved, closureID)
	return !f.refuse, nil
}

func (f *fakeVelocity) Release(ctx context.Context, userID, closureID string) error {
	f.released = append(f.released, closureID)
	return nil
}

type sentNotice struct {
	kind string
	view View
}

type recordingNotifier struct {
	sent []sentNotice
	err  error
}

func (r *recordingNotifier) add(kind string, v View) error {
	r.sent = append(r.sent, sentNotice{kind: kind, view: v})
	return r.err
}

func (r *recordingNotifier) RequestCreated(_ context.Context, v View) error {
	return r.add("request_created", v)
}

func (r *recordingNotifier) ResponseReceived(_ context.Context, v View) error {
	return r.add("response_received", v)
}

func (r *recordingNotifier) Cancelled(_ context.Context, v View) error {
	return r.add("cancelled", v)
}

func (r *recordingNotifier) Expired(_ context.Context, v View) error {
	return r.add("expired", v)
}

func (r *recordingNotifier) ExpiryReminder(_ context.Context, v View) error {
	return r.add("expiry_reminder", v)
}

func (r *recordingNotifier) AdminReviewRequired(_ context.Context, v View) error {
	return r.add("admin_review_required", v)
}

func (r *recordingNotifier) AdminDecision(_ context.Context, v View) error {
	return r.add("admin_decision", v)
}

func (r *recordingNotifier) kinds() []string {
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.kind)
	}
	return out
}

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) last() *fakeTx {
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1]
}

func (f *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

// fakeTx records its outcome. Begin opens a savepoint whose writes survive
// only if every enclosing transaction commits too.
type fakeTx struct {
	parent     *fakeTx
	savepoints []*fakeTx
	rolled     bool
	committed  bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	if f.committed || f.rolled {
		return nil, pgx.ErrTxClosed
	}
	sp := &fakeTx{parent: f}
	f.savepoints = append(f.savepoints, sp)
	return sp, nil
}

func (f *fakeTx) Commit(context.Context) error {
	if f.rolled {
		return pgx.ErrTxClosed
	}
	f.committed = true
	return nil
}

// Rollback after Commit is a no-op, as with pgx.
func (f *fakeTx) Rollback(context.Context) error {
	if f.committed {
		return nil
	}
	f.rolled = true
	return nil
}

func (f *fakeTx) durable() bool {
	if !f.committed {
		return false
	}
	return f.parent == nil || f.parent.durable()
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

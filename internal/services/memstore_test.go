package services

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"ledger/internal/models"
	"ledger/internal/store"
	"ledger/internal/websocket"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory stand-in for the Postgres stores. Row locks are
// one-slot semaphores held until the unit ends; waiting longer than
// lockTimeout fails with lock_not_available, and a failed unit is undone.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	txns     map[string]*models.Transaction
	legs     map[string]store.LedgerEntryInput
	audits   map[int]auditRecord
	nextLog  int

	lockMu      sync.Mutex
	locks       map[string]chan struct{}
	lockTimeout time.Duration
}

type auditRecord struct {
	actorID  string
	action   string
	entityID string
	data     string
}

type memTx struct {
	s    *memStore
	held []string
	undo []func()
}

func newMemStore() *memStore {
	return &memStore{
		accounts:    map[string]*models.Account{},
		txns:        map[string]*models.Transaction{},
		legs:        map[string]store.LedgerEntryInput{},
		audits:      map[int]auditRecord{},
		locks:       map[string]chan struct{}{},
		lockTimeout: 2 * time.Second,
	}
}

func (s *memStore) addAccount(account models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account.ID == "" {
		account.ID = "id-" + account.AccountNumber
	}
	if account.Status == "" {
		account.Status = models.AccountActive
	}
	if account.Currency == "" {
		account.Currency = "USD"
	}
	s.accounts[account.AccountNumber] = &account
}

func (s *memStore) balance(number string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[number].Balance
}

func (s *memStore) totalBalance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, account := range s.accounts {
		total = total.Add(account.Balance)
	}
	return total
}

func (s *memStore) legSum(accountID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, leg := range s.legs {
		if leg.AccountID == accountID {
			total = total.Add(leg.Amount)
		}
	}
	return total
}

func (s *memStore) legCount(transactionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, leg := range s.legs {
		if leg.TransactionID == transactionID {
			count++
		}
	}
	return count
}

func (s *memStore) countByStatus(status models.TransactionStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, txn := range s.txns {
		if txn.Status == status {
			count++
		}
	}
	return count
}

func (s *memStore) auditActions(entityID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]int, 0, len(s.audits))
	for k := range s.audits {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	var actions []string
	for _, k := range keys {
		if s.audits[k].entityID == entityID {
			actions = append(actions, s.audits[k].action)
		}
	}
	return actions
}

func (s *memStore) semaphore(key string) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	sem, ok := s.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[key] = sem
	}
	return sem
}

func (s *memStore) lock(ctx context.Context, tx *memTx, key string) error {
	for _, held := range tx.held {
		if held == key {
			return nil
		}
	}
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case s.semaphore(key) <- struct{}{}:
		tx.held = append(tx.held, key)
		return nil
	case <-timer.C:
		return &pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// holdAccount takes an account lock outside the engine and returns its
// release function.
func (s *memStore) holdAccount(t *testing.T, number string) func() {
	t.Helper()
	tx := &memTx{s: s}
	if err := s.lock(context.Background(), tx, "acct:"+number); err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	return func() { s.release(tx) }
}

func (s *memStore) release(tx *memTx) {
	for _, key := range tx.held {
		<-s.semaphore(key)
	}
	tx.held = nil
}

func (s *memStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	tx := &memTx{s: s}
	err := fn(tx)
	if err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
	}
	s.release(tx)
	return err
}

func (t *memTx) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errors.New("memTx does not run SQL")
}

func (t *memTx) GetContext(context.Context, any, string, ...any) error {
	return errors.New("memTx does not run SQL")
}

func (t *memTx) SelectContext(context.Context, any, string, ...any) error {
	return errors.New("memTx does not run SQL")
}

func asMemTx(tx any) *memTx {
	mt, ok := tx.(*memTx)
	if !ok {
		panic("memStore used outside its own WithTx")
	}
	return mt
}

// AccountStore

func (s *memStore) GetForRead(_ context.Context, accountNumber string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountNumber]
	if !ok {
		return models.Account{}, store.ErrAccountNotFound
	}
	return *account, nil
}

func (s *memStore) GetForUpdate(ctx context.Context, tx store.Getter, accountNumber string) (models.Account, error) {
	if _, err := s.GetForRead(ctx, accountNumber); err != nil {
		return models.Account{}, err
	}
	if err := s.lock(ctx, asMemTx(tx), "acct:"+accountNumber); err != nil {
		return models.Account{}, err
	}
	return s.GetForRead(ctx, accountNumber)
}

func (s *memStore) ApplyDelta(_ context.Context, tx store.Getter, account models.Account, delta decimal.Decimal) (models.Account, error) {
	mt := asMemTx(tx)
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.accounts[account.AccountNumber]
	next := row.Balance.Add(delta)
	if next.LessThan(row.Floor()) {
		return models.Account{}, store.ErrInvariantViolation
	}
	previous := row.Balance
	row.Balance = next
	mt.undo = append(mt.undo, func() { row.Balance = previous })
	return *row, nil
}

// TransactionStore, wrapped so method names do not collide with the
// account side.

type memTxns struct{ s *memStore }

func (m memTxns) numberOf(id *string) *string {
	if id == nil {
		return nil
	}
	for number, account := range m.s.accounts {
		if account.ID == *id {
			n := number
			return &n
		}
	}
	return nil
}

func (m memTxns) Create(_ context.Context, tx store.Execer, txn models.Transaction) error {
	mt := asMemTx(tx)
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txns[txn.Reference]; ok {
		return &pq.Error{Code: "23505", Constraint: store.ReferenceConstraint}
	}
	if txn.ClientRequestID != nil {
		for _, existing := range s.txns {
			if existing.InitiatorID == txn.InitiatorID && existing.ClientRequestID != nil && *existing.ClientRequestID == *txn.ClientRequestID {
				return &pq.Error{Code: "23505", Constraint: store.ClientRequestConstraint}
			}
		}
	}
	row := txn
	row.FromAccount = m.numberOf(txn.FromAccountID)
	row.ToAccount = m.numberOf(txn.ToAccountID)
	s.txns[txn.Reference] = &row
	mt.undo = append(mt.undo, func() { delete(s.txns, txn.Reference) })
	return nil
}

func (m memTxns) GetByReference(_ context.Context, reference string) (models.Transaction, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	txn, ok := m.s.txns[reference]
	if !ok {
		return models.Transaction{}, store.ErrTransactionNotFound
	}
	return *txn, nil
}

func (m memTxns) GetForUpdate(ctx context.Context, tx store.Getter, reference string) (models.Transaction, error) {
	if _, err := m.GetByReference(ctx, reference); err != nil {
		return models.Transaction{}, err
	}
	if err := m.s.lock(ctx, asMemTx(tx), "txn:"+reference); err != nil {
		return models.Transaction{}, err
	}
	return m.GetByReference(ctx, reference)
}

func (m memTxns) ReferenceExists(_ context.Context, reference string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	_, ok := m.s.txns[reference]
	return ok, nil
}

func (m memTxns) FindByClientRequestID(_ context.Context, initiatorID, clientRequestID string) (models.Transaction, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, txn := range m.s.txns {
		if txn.InitiatorID == initiatorID && txn.ClientRequestID != nil && *txn.ClientRequestID == clientRequestID {
			return *txn, nil
		}
	}
	return models.Transaction{}, store.ErrTransactionNotFound
}

func (m memTxns) UpdateStatus(_ context.Context, tx store.Execer, update store.StatusUpdate) error {
	mt := asMemTx(tx)
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.txns {
		if row.ID != update.ID {
			continue
		}
		if !models.CanTransition(row.Status, update.Status) {
			return store.ErrInvalidTransition
		}
		previous := *row
		row.Status = update.Status
		if update.BalanceAfter.Valid {
			row.BalanceAfter = update.BalanceAfter
		}
		if update.FailureReason != nil {
			row.FailureReason = update.FailureReason
		}
		if update.ProcessedAt != nil {
			row.ProcessedAt = update.ProcessedAt
		}
		target := row
		mt.undo = append(mt.undo, func() { *target = previous })
		return nil
	}
	return store.ErrInvalidTransition
}

func (m memTxns) SumOutbound(_ context.Context, _ store.Getter, accountID string, from, to time.Time) (decimal.Decimal, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	total := decimal.Zero
	for _, txn := range m.s.txns {
		if txn.FromAccountID == nil || *txn.FromAccountID != accountID {
			continue
		}
		if txn.Status != models.StatusSuccess || !txn.Type.CountsTowardLimits() {
			continue
		}
		if txn.ProcessedAt == nil || txn.ProcessedAt.Before(from) || !txn.ProcessedAt.Before(to) {
			continue
		}
		total = total.Add(txn.Amount)
	}
	return total, nil
}

func (m memTxns) SumRefunded(_ context.Context, _ store.Getter, reference string) (decimal.Decimal, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	total := decimal.Zero
	for _, txn := range m.s.txns {
		if txn.Type == models.TypeRefund && txn.Status == models.StatusSuccess && txn.RelatedReference != nil && *txn.RelatedReference == reference {
			total = total.Add(txn.Amount)
		}
	}
	return total, nil
}

func (m memTxns) ListByAccount(_ context.Context, accountID string, q store.HistoryQuery) ([]models.Transaction, int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var matched []models.Transaction
	for _, txn := range m.s.txns {
		touches := (txn.FromAccountID != nil && *txn.FromAccountID == accountID) ||
			(txn.ToAccountID != nil && *txn.ToAccountID == accountID)
		if !touches {
			continue
		}
		if q.From != nil && txn.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && !txn.CreatedAt.Before(*q.To) {
			continue
		}
		matched = append(matched, *txn)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if q.Offset >= total {
		return nil, total, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return matched[q.Offset:end], total, nil
}

// LedgerStore and AuditStore

type memLedger struct{ s *memStore }

func (m memLedger) InsertEntries(_ context.Context, tx store.Execer, entries []store.LedgerEntryInput) error {
	mt := asMemTx(tx)
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, entry := range entries {
		id := entry.ID
		m.s.legs[id] = entry
		mt.undo = append(mt.undo, func() { delete(m.s.legs, id) })
	}
	return nil
}

type memAudit struct{ s *memStore }

func (m memAudit) Log(_ context.Context, tx store.Execer, actorID, action, _, entityID, data string) error {
	mt := asMemTx(tx)
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.nextLog++
	key := m.s.nextLog
	m.s.audits[key] = auditRecord{actorID: actorID, action: action, entityID: entityID, data: data}
	mt.undo = append(mt.undo, func() { delete(m.s.audits, key) })
	return nil
}

type recordingHub struct {
	mu           sync.Mutex
	balances     map[string][]websocket.BalanceUpdate
	transactions map[string][]websocket.TransactionUpdate
}

func newRecordingHub() *recordingHub {
	return &recordingHub{
		balances:     map[string][]websocket.BalanceUpdate{},
		transactions: map[string][]websocket.TransactionUpdate{},
	}
}

func (h *recordingHub) BroadcastBalance(userID string, update websocket.BalanceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.balances[userID] = append(h.balances[userID], update)
}

func (h *recordingHub) BroadcastTransaction(userID string, update websocket.TransactionUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transactions[userID] = append(h.transactions[userID], update)
}

// testClock advances one millisecond per reading so that no two events
// share a timestamp.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store  *memStore
	hub    *recordingHub
	clock  *testClock
	engine *Engine
}

func newHarness() *harness {
	s := newMemStore()
	hub := newRecordingHub()
	clock := newTestClock()
	engine := NewEngine(s, s, memTxns{s}, memLedger{s}, memAudit{s}, hub, nil, Options{
		Location: time.UTC,
		Now:      clock.Now,
	})
	return &harness{store: s, hub: hub, clock: clock, engine: engine}
}

func ptr(value string) *string {
	return &value
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func limit(value string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(value))
}

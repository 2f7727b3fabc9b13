package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"storybook/internal/admission"
	"storybook/internal/clock"
	"storybook/internal/domain"
	"storybook/internal/http/handlers"
	"storybook/internal/http/httpapi"
	"storybook/internal/ratelimit"
)

type memJobs struct {
	domain.JobStore

	mu     sync.Mutex
	jobs   map[string]*domain.Job
	byIdem map[string]string
	clk    clock.Clock
}

func newMemJobs(clk clock.Clock) *memJobs {
	return &memJobs{
		jobs:   make(map[string]*domain.Job),
		byIdem: make(map[string]string),
		clk:    clk,
	}
}

func (m *memJobs) seed(job *domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	if job.IdempotencyKey != "" {
		m.byIdem[job.UserKey+"/"+job.IdempotencyKey] = job.ID
	}
}

func (m *memJobs) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.jobs[job.ID]; dup {
		return domain.ErrConflict
	}
	if job.IdempotencyKey != "" {
		if _, dup := m.byIdem[job.UserKey+"/"+job.IdempotencyKey]; dup {
			return domain.ErrConflict
		}
		m.byIdem[job.UserKey+"/"+job.IdempotencyKey] = job.ID
	}
	job.CreatedAt = m.clk.Now()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobs) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) GetByIdempotencyKey(_ context.Context, userKey, idemKey string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIdem[userKey+"/"+idemKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m.jobs[id]
	return &cp, nil
}

func (m *memJobs) CountCreatedSince(_ context.Context, userKey string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.UserKey == userKey && !j.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memJobs) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == domain.JobStatusQueued || j.Status == domain.JobStatusRunning {
			n++
		}
	}
	return n, nil
}

func (m *memJobs) Fail(_ context.Context, jobID string, code domain.ErrorCode, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	j.Status = domain.JobStatusFailed
	j.ErrorCode = code
	j.ErrorMessage = msg
	return true, nil
}

type memBooks struct {
	domain.BookStore

	mu    sync.Mutex
	books map[string]*domain.Book
	pages map[string][]domain.Page
}

func newMemBooks() *memBooks {
	return &memBooks{
		books: make(map[string]*domain.Book),
		pages: make(map[string][]domain.Page),
	}
}

func (m *memBooks) seed(book *domain.Book, pages ...domain.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *book
	m.books[book.ID] = &cp
	m.pages[book.ID] = append([]domain.Page(nil), pages...)
}

func (m *memBooks) GetByID(_ context.Context, bookID string) (*domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memBooks) GetPages(_ context.Context, bookID string) ([]domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.Page(nil), m.pages[bookID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

func (m *memBooks) GetPage(_ context.Context, bookID string, pageNumber int) (*domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pages[bookID] {
		if p.PageNumber == pageNumber {
			cp := p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memBooks) ListByUser(_ context.Context, userKey string, limit int) ([]domain.BookSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BookSummary
	for _, b := range m.books {
		if b.UserKey != userKey {
			continue
		}
		out = append(out, domain.BookSummary{
			ID:            b.ID,
			Title:         b.Title,
			Style:         b.Style,
			CoverImageURL: b.CoverImageURL,
			PageCount:     b.PageCount,
			CreatedAt:     b.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memChars struct {
	mu    sync.Mutex
	chars map[string]*domain.Character
}

func newMemChars() *memChars {
	return &memChars{chars: make(map[string]*domain.Character)}
}

func (m *memChars) Create(_ context.Context, c *domain.Character) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.chars[c.ID] = &cp
	return nil
}

func (m *memChars) GetByID(_ context.Context, id string) (*domain.Character, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chars[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memChars) ListByUser(_ context.Context, userKey string) ([]domain.Character, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Character
	for _, c := range m.chars {
		if c.UserKey == userKey {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// memLedger provisions accounts with the signup bonus on first touch, like
// the Postgres ledger.
type memLedger struct {
	mu       sync.Mutex
	bonus    int
	balances map[string]int
	history  map[string][]domain.CreditTransaction
}

func newMemLedger(bonus int) *memLedger {
	return &memLedger{
		bonus:    bonus,
		balances: make(map[string]int),
		history:  make(map[string][]domain.CreditTransaction),
	}
}

func (m *memLedger) setBalance(userKey string, credits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userKey] = credits
}

func (m *memLedger) provisionLocked(userKey string) {
	if _, ok := m.balances[userKey]; !ok {
		m.balances[userKey] = m.bonus
	}
}

func (m *memLedger) record(userKey string, amount int, txType domain.TransactionType, desc, ref, reason string) {
	m.history[userKey] = append(m.history[userKey], domain.CreditTransaction{
		ID:           "tx_" + userKey,
		UserKey:      userKey,
		Amount:       amount,
		BalanceAfter: m.balances[userKey],
		Type:         txType,
		Description:  desc,
		ReferenceID:  ref,
		Reason:       reason,
	})
}

func (m *memLedger) Debit(_ context.Context, userKey string, amount int, jobID, description string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisionLocked(userKey)
	if m.balances[userKey] < amount {
		return m.balances[userKey], domain.ErrInsufficientCredits
	}
	m.balances[userKey] -= amount
	m.record(userKey, -amount, domain.TxDebit, description, jobID, "")
	return m.balances[userKey], nil
}

func (m *memLedger) Refund(_ context.Context, userKey string, amount int, jobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisionLocked(userKey)
	m.balances[userKey] += amount
	m.record(userKey, amount, domain.TxRefund, "", jobID, reason)
	return nil
}

func (m *memLedger) Grant(_ context.Context, userKey string, amount int, description string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisionLocked(userKey)
	m.balances[userKey] += amount
	m.record(userKey, amount, domain.TxGrant, description, "", "")
	return m.balances[userKey], nil
}

func (m *memLedger) Balance(_ context.Context, userKey string) (*domain.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisionLocked(userKey)
	return &domain.CreditBalance{UserKey: userKey, Credits: m.balances[userKey]}, nil
}

func (m *memLedger) History(_ context.Context, userKey string, limit int) ([]domain.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.CreditTransaction(nil), m.history[userKey]...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

func (m *memStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.put(key, data)
	return "mem://" + key, nil
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) Name() string { return "mem" }

type stubLimiter struct {
	mu       sync.Mutex
	decision ratelimit.Decision
}

func (s *stubLimiter) deny(retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decision = ratelimit.Decision{Allowed: false, RetryAfter: retryAfter}
}

func (s *stubLimiter) Allow(context.Context, string) ratelimit.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision
}

type regenCall struct {
	jobID  string
	page   int
	target domain.RegenTarget
}

type recordingDispatcher struct {
	mu     sync.Mutex
	genIDs []string
	regens []regenCall
}

func (d *recordingDispatcher) DispatchGenerate(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.genIDs = append(d.genIDs, jobID)
	return nil
}

func (d *recordingDispatcher) DispatchRegenerate(_ context.Context, jobID string, page int, target domain.RegenTarget) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regens = append(d.regens, regenCall{jobID, page, target})
	return nil
}

func (d *recordingDispatcher) Close() error { return nil }

type stubMetrics struct {
	metrics *domain.JobMetrics
	err     error
}

func (s *stubMetrics) Metrics(context.Context) (*domain.JobMetrics, error) {
	return s.metrics, s.err
}

type testServer struct {
	handler  http.Handler
	app      *handlers.App
	jobs     *memJobs
	books    *memBooks
	chars    *memChars
	ledger   *memLedger
	store    *memStore
	limiter  *stubLimiter
	disp     *recordingDispatcher
	clk      *clock.Fake
	probeErr error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	ts := &testServer{
		jobs:    newMemJobs(clk),
		books:   newMemBooks(),
		chars:   newMemChars(),
		ledger:  newMemLedger(10),
		store:   newMemStore(),
		limiter: &stubLimiter{decision: ratelimit.Decision{Allowed: true, Remaining: 9}},
		disp:    &recordingDispatcher{},
		clk:     clk,
	}
	adm := admission.New(ts.jobs, ts.books, ts.ledger, ts.limiter, ts.disp, clk, zerolog.Nop(), admission.Options{
		CostPerBook:  1,
		CostPerRegen: 1,
		DailyLimit:   20,
		MaxPending:   100,
	})
	ts.app = &handlers.App{
		Admission:  adm,
		Jobs:       ts.jobs,
		Books:      ts.books,
		Characters: ts.chars,
		Credits:    ts.ledger,
		Store:      ts.store,
		Metrics:    &stubMetrics{metrics: &domain.JobMetrics{Queued: 1, Running: 2}},
		Probes: []handlers.Probe{
			{Name: "database", Check: func(context.Context) error { return nil }},
			{Name: "redis", Check: func(context.Context) error { return ts.probeErr }},
		},
		Runtime: handlers.RuntimeInfo{
			Env:                "test",
			DispatchMode:       "inproc",
			LLMProvider:        "static",
			ImageProvider:      "synthetic",
			ModerationProvider: "lexicon",
			StorageBackend:     "mem",
			PipelineWorkers:    4,
		},
		Clock: clk,
		Log:   zerolog.Nop(),
	}
	ts.handler = httpapi.NewRouter(ts.app, zerolog.Nop(), nil)
	return ts
}

const testUserKey = "user_abcdef123"

func (ts *testServer) do(t *testing.T, method, path, userKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if userKey != "" {
		req.Header.Set("X-User-Key", userKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in %q", rec.Body.String())
	}
	code, _ := errObj["code"].(string)
	return code
}

func validBookBody() map[string]any {
	return map[string]any{
		"hero_name":  "Mira",
		"target_age": "5-7",
		"theme":      "adventure",
		"style":      "watercolor",
		"page_count": 6,
		"language":   "en",
	}
}

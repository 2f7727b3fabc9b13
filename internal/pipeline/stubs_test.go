package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"storybook/internal/clock"
	"storybook/internal/domain"
	"storybook/internal/providers/image"
	"storybook/internal/providers/llm"
	"storybook/internal/providers/moderation"
)

// memJobs is an in-memory domain.JobStore with the same CAS semantics as the
// PostgreSQL implementation.
type memJobs struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	clk       clock.Clock
	beforeGet func(jobID string)
	// progressLog records the stored progress after every write so tests can
	// assert the sequence never regresses.
	progressLog []int
}

func newMemJobs(clk clock.Clock) *memJobs {
	return &memJobs{jobs: make(map[string]*domain.Job), clk: clk}
}

func (s *memJobs) seed(j domain.Job) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.Status == "" {
		j.Status = domain.JobStatusQueued
	}
	if j.Kind == "" {
		j.Kind = domain.JobKindGenerate
	}
	now := s.clk.Now()
	j.CreatedAt, j.UpdatedAt = now, now
	cp := j
	s.jobs[j.ID] = &cp
	return j
}

func (s *memJobs) get(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j == nil {
		return domain.Job{}
	}
	return *j
}

func (s *memJobs) progressSeen() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progressLog...)
}

func (s *memJobs) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return domain.ErrConflict
	}
	cp := *job
	cp.Status = domain.JobStatusQueued
	now := s.clk.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memJobs) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	if s.beforeGet != nil {
		s.beforeGet(jobID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memJobs) GetByIdempotencyKey(ctx context.Context, userKey, idemKey string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.UserKey == userKey && j.IdempotencyKey == idemKey && idemKey != "" {
			cp := *j
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memJobs) Claim(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if j.Status != domain.JobStatusQueued {
		return nil, domain.ErrConflict
	}
	j.Status = domain.JobStatusRunning
	j.UpdatedAt = s.clk.Now()
	cp := *j
	return &cp, nil
}

func (s *memJobs) AdvanceProgress(ctx context.Context, jobID string, progress int, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != domain.JobStatusRunning {
		return nil
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.CurrentStep = step
	j.UpdatedAt = s.clk.Now()
	s.progressLog = append(s.progressLog, j.Progress)
	return nil
}

func (s *memJobs) Complete(ctx context.Context, jobID, bookID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != domain.JobStatusRunning {
		return false, nil
	}
	j.Status = domain.JobStatusDone
	j.Progress = 100
	j.CurrentStep = "done"
	j.BookID = bookID
	j.UpdatedAt = s.clk.Now()
	s.progressLog = append(s.progressLog, j.Progress)
	return true, nil
}

func (s *memJobs) Fail(ctx context.Context, jobID string, code domain.ErrorCode, msg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || (j.Status != domain.JobStatusQueued && j.Status != domain.JobStatusRunning) {
		return false, nil
	}
	j.Status = domain.JobStatusFailed
	j.ErrorCode = code
	j.ErrorMessage = msg
	j.UpdatedAt = s.clk.Now()
	return true, nil
}

func (s *memJobs) FailIfUnchanged(ctx context.Context, jobID string, observed time.Time, code domain.ErrorCode, msg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || !j.UpdatedAt.Equal(observed) {
		return false, nil
	}
	if j.Status != domain.JobStatusQueued && j.Status != domain.JobStatusRunning {
		return false, nil
	}
	j.Status = domain.JobStatusFailed
	j.ErrorCode = code
	j.ErrorMessage = msg
	j.UpdatedAt = s.clk.Now()
	return true, nil
}

func (s *memJobs) RequeueIfUnchanged(ctx context.Context, jobID string, observed time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != domain.JobStatusRunning || !j.UpdatedAt.Equal(observed) {
		return false, nil
	}
	j.Status = domain.JobStatusQueued
	j.RetryCount++
	j.UpdatedAt = s.clk.Now()
	return true, nil
}

func (s *memJobs) ListStuckRunning(ctx context.Context, before time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusRunning && j.UpdatedAt.Before(before) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memJobs) ListSLABreached(ctx context.Context, before time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		terminal := j.Status == domain.JobStatusDone || j.Status == domain.JobStatusFailed
		if !terminal && j.CreatedAt.Before(before) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memJobs) CountCreatedSince(ctx context.Context, userKey string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.UserKey == userKey && !j.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memJobs) CountActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusQueued || j.Status == domain.JobStatusRunning {
			n++
		}
	}
	return n, nil
}

func (s *memJobs) Metrics(ctx context.Context, now time.Time, stuckAfter time.Duration) (*domain.JobMetrics, error) {
	return &domain.JobMetrics{}, nil
}

// memDrafts is an in-memory domain.DraftStore.
type memDrafts struct {
	mu     sync.Mutex
	drafts map[string]*domain.JobDraft
}

func newMemDrafts() *memDrafts {
	return &memDrafts{drafts: make(map[string]*domain.JobDraft)}
}

func (s *memDrafts) row(jobID string) *domain.JobDraft {
	d, ok := s.drafts[jobID]
	if !ok {
		d = &domain.JobDraft{JobID: jobID}
		s.drafts[jobID] = d
	}
	return d
}

func (s *memDrafts) SaveDraft(ctx context.Context, jobID string, draft *domain.StoryDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *draft
	s.row(jobID).Draft = &cp
	return nil
}

func (s *memDrafts) SaveSheet(ctx context.Context, jobID string, sheet *domain.CharacterSheet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sheet
	s.row(jobID).Sheet = &cp
	return nil
}

func (s *memDrafts) SavePrompts(ctx context.Context, jobID string, prompts []domain.ImagePrompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.row(jobID).Prompts = append([]domain.ImagePrompt(nil), prompts...)
	return nil
}

func (s *memDrafts) Get(ctx context.Context, jobID string) (*domain.JobDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// memBooks is an in-memory domain.BookStore. Publish shares the jobs map so
// the running -> done CAS behaves like the transactional implementation.
type memBooks struct {
	mu    sync.Mutex
	jobs  *memJobs
	books map[string]*domain.Book
	pages map[string]map[int]domain.Page
}

func newMemBooks(jobs *memJobs) *memBooks {
	return &memBooks{
		jobs:  jobs,
		books: make(map[string]*domain.Book),
		pages: make(map[string]map[int]domain.Page),
	}
}

func (s *memBooks) Publish(ctx context.Context, book *domain.Book, pages []domain.Page) error {
	won, err := s.jobs.Complete(ctx, book.JobID, book.ID)
	if err != nil {
		return err
	}
	if !won {
		return domain.ErrConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *book
	cp.CreatedAt = s.jobs.clk.Now()
	s.books[book.ID] = &cp
	byPage := make(map[int]domain.Page, len(pages))
	for _, p := range pages {
		byPage[p.PageNumber] = p
	}
	s.pages[book.ID] = byPage
	return nil
}

func (s *memBooks) seedBook(book domain.Book, pages []domain.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := book
	s.books[book.ID] = &cp
	byPage := make(map[int]domain.Page, len(pages))
	for _, p := range pages {
		byPage[p.PageNumber] = p
	}
	s.pages[book.ID] = byPage
}

func (s *memBooks) GetByID(ctx context.Context, bookID string) (*domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memBooks) GetPages(ctx context.Context, bookID string) ([]domain.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPage, ok := s.pages[bookID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.Page, 0, len(byPage))
	for _, p := range byPage {
		out = append(out, p)
	}
	return out, nil
}

func (s *memBooks) GetPage(ctx context.Context, bookID string, pageNumber int) (*domain.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[bookID][pageNumber]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (s *memBooks) UpdatePage(ctx context.Context, page *domain.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPage, ok := s.pages[page.BookID]
	if !ok {
		return domain.ErrNotFound
	}
	byPage[page.PageNumber] = *page
	return nil
}

func (s *memBooks) ListByUser(ctx context.Context, userKey string, limit int) ([]domain.BookSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BookSummary
	for _, b := range s.books {
		if b.UserKey == userKey {
			out = append(out, domain.BookSummary{ID: b.ID, Title: b.Title})
		}
	}
	return out, nil
}

func (s *memBooks) LatestInSeries(ctx context.Context, userKey, seriesKey string) (*domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.Book
	for _, b := range s.books {
		if b.UserKey != userKey || b.SeriesKey != seriesKey {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// memChars is an in-memory domain.CharacterStore.
type memChars struct {
	mu    sync.Mutex
	chars map[string]domain.Character
}

func newMemChars() *memChars {
	return &memChars{chars: make(map[string]domain.Character)}
}

func (s *memChars) Create(ctx context.Context, c *domain.Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chars[c.ID] = *c
	return nil
}

func (s *memChars) GetByID(ctx context.Context, id string) (*domain.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chars[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (s *memChars) ListByUser(ctx context.Context, userKey string) ([]domain.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Character
	for _, c := range s.chars {
		if c.UserKey == userKey {
			out = append(out, c)
		}
	}
	return out, nil
}

// memCredits records refunds and deduplicates them per (job, reason) like
// the ledger's partial unique index.
type memCredits struct {
	mu      sync.Mutex
	refunds []refundCall
}

type refundCall struct {
	userKey string
	amount  int
	jobID   string
	reason  string
}

func (s *memCredits) Debit(ctx context.Context, userKey string, amount int, jobID, description string) (int, error) {
	return 0, nil
}

func (s *memCredits) Refund(ctx context.Context, userKey string, amount int, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.refunds {
		if r.jobID == jobID && r.reason == reason {
			return nil
		}
	}
	s.refunds = append(s.refunds, refundCall{userKey, amount, jobID, reason})
	return nil
}

func (s *memCredits) Grant(ctx context.Context, userKey string, amount int, description string) (int, error) {
	return 0, nil
}

func (s *memCredits) Balance(ctx context.Context, userKey string) (*domain.CreditBalance, error) {
	return &domain.CreditBalance{}, nil
}

func (s *memCredits) History(ctx context.Context, userKey string, limit int) ([]domain.CreditTransaction, error) {
	return nil, nil
}

func (s *memCredits) all() []refundCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]refundCall(nil), s.refunds...)
}

// memStore is an in-memory storage.ObjectStore with failure injection.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut int
	puts    int
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.failPut > 0 {
		s.failPut--
		return "", errors.New("storage unavailable")
	}
	s.objects[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return append([]byte(nil), data...), nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStore) Name() string { return "mem" }

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// flakyCompleter fails a set number of calls, then hands off to the real
// completer.
type flakyCompleter struct {
	inner llm.Completer
	mu    sync.Mutex
	fails int
}

func (f *flakyCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return "", errors.New("upstream 503")
	}
	f.mu.Unlock()
	return f.inner.Complete(ctx, req)
}

func (f *flakyCompleter) Name() string { return "flaky" }

// garbageCompleter answers story calls with prose instead of JSON and
// delegates everything else.
type garbageCompleter struct {
	inner llm.Completer
}

func (g *garbageCompleter) Complete(ctx context.Context, req llm.Request) (string, error) {
	if strings.Contains(strings.ToLower(req.System), "storybook author") {
		return "Once upon a time there was no JSON at all.", nil
	}
	return g.inner.Complete(ctx, req)
}

func (g *garbageCompleter) Name() string { return "garbage" }

// markerClassifier flags any text containing one of its markers; everything
// else is safe. It never classifies images.
type markerClassifier struct {
	markers []string
}

func (c *markerClassifier) ClassifyText(ctx context.Context, text string) (moderation.Verdict, error) {
	lower := strings.ToLower(text)
	for _, m := range c.markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return moderation.Verdict{Safe: false, Categories: []string{"test"}, Reason: "contains " + m}, nil
		}
	}
	return moderation.Verdict{Safe: true}, nil
}

func (c *markerClassifier) Name() string { return "marker" }

// imageFlagClassifier passes all text and flags the first flagFirst image
// classifications.
type imageFlagClassifier struct {
	mu        sync.Mutex
	flagFirst int
	calls     int
}

func (c *imageFlagClassifier) ClassifyText(ctx context.Context, text string) (moderation.Verdict, error) {
	return moderation.Verdict{Safe: true}, nil
}

func (c *imageFlagClassifier) ClassifyImage(ctx context.Context, data []byte) (moderation.Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.flagFirst {
		return moderation.Verdict{Safe: false, Reason: "flagged for test"}, nil
	}
	return moderation.Verdict{Safe: true}, nil
}

func (c *imageFlagClassifier) Name() string { return "image-flag" }

// failingGenerator always fails with the configured error.
type failingGenerator struct {
	err   error
	mu    sync.Mutex
	calls int
}

func (g *failingGenerator) Generate(ctx context.Context, req image.Request) (image.Asset, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return image.Asset{}, g.err
}

func (g *failingGenerator) Name() string { return "failing" }

// flakyGenerator fails a set number of calls, then hands off to the real
// generator.
type flakyGenerator struct {
	inner image.Generator
	err   error
	mu    sync.Mutex
	fails int
}

func (g *flakyGenerator) Generate(ctx context.Context, req image.Request) (image.Asset, error) {
	g.mu.Lock()
	if g.fails > 0 {
		g.fails--
		g.mu.Unlock()
		return image.Asset{}, g.err
	}
	g.mu.Unlock()
	return g.inner.Generate(ctx, req)
}

func (g *flakyGenerator) Name() string { return "flaky" }

// gaugeGenerator measures how many Generate calls are in flight at once.
type gaugeGenerator struct {
	inner    image.Generator
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (g *gaugeGenerator) Generate(ctx context.Context, req image.Request) (image.Asset, error) {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	g.mu.Unlock()
	// Hold the slot long enough for sibling renders to overlap.
	time.Sleep(2 * time.Millisecond)
	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return g.inner.Generate(ctx, req)
}

func (g *gaugeGenerator) Name() string { return "gauge" }

// env bundles one orchestrator with all of its in-memory dependencies.
type env struct {
	jobs    *memJobs
	drafts  *memDrafts
	books   *memBooks
	chars   *memChars
	credits *memCredits
	store   *memStore
	clk     *clock.Fake
	orch    *Orchestrator
	sleeps  []time.Duration
}

func newEnv(opts Options, override func(*Deps)) *env {
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	e := &env{
		jobs:    newMemJobs(clk),
		drafts:  newMemDrafts(),
		chars:   newMemChars(),
		credits: &memCredits{},
		store:   newMemStore(),
		clk:     clk,
	}
	e.books = newMemBooks(e.jobs)
	deps := Deps{
		Jobs:       e.jobs,
		Drafts:     e.drafts,
		Books:      e.books,
		Characters: e.chars,
		Credits:    e.credits,
		Completer:  llm.NewStatic(),
		Images:     image.NewSynthetic(),
		Classifier: moderation.NewLexicon(),
		Store:      e.store,
		Clock:      clk,
		Logger:     zerolog.Nop(),
	}
	if override != nil {
		override(&deps)
	}
	e.orch = New(deps, opts)
	// Backoffs complete instantly; the schedule is recorded for assertions.
	var mu sync.Mutex
	e.orch.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		e.sleeps = append(e.sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	return e
}

func testSpec() domain.BookSpec {
	return domain.BookSpec{
		HeroName:  "mira",
		TargetAge: domain.Age5to7,
		Theme:     domain.ThemeAdventure,
		Style:     domain.StyleWatercolor,
		PageCount: 6,
		Language:  "en",
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"inbox-triage/internal/apperr"
	"inbox-triage/internal/cache"
	"inbox-triage/internal/metrics"
	"inbox-triage/internal/model"
	"inbox-triage/internal/resilience"
)

var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrCycleRunning   = errors.New("a cycle is already running for this account")
)

// checkpointTimeout bounds the checkpoint write after a cycle deadline.
const checkpointTimeout = 5 * time.Second

// Source lists new messages for an account.
type Source interface {
	ListSince(ctx context.Context, account model.Account, creds model.Credentials, since model.Checkpoint) ([]model.Message, error)
}

// Handler takes over messages once they are listed.
type Handler interface {
	Handle(ctx context.Context, account model.Account, msg model.Message) error
	Resume(ctx context.Context, account model.Account) (int, error)
}

// CredentialSource resolves account credentials.
type CredentialSource interface {
	Credentials(ctx context.Context, account model.Account) (model.Credentials, error)
	Invalidate(accountID string)
}

// Store keeps the per-account checkpoint and the dedup set.
type Store interface {
	IsProcessed(ctx context.Context, accountID, messageID string) (bool, error)
	GetCheckpoint(ctx context.Context, accountID string) (model.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, accountID string, cp model.Checkpoint) error
}

// Config controls cycle timing.
type Config struct {
	CycleTimeout    time.Duration
	InitialLookback time.Duration
	SweepInterval   time.Duration
}

// CycleResult summarizes one polling cycle of one account.
type CycleResult struct {
	Account    string           `json:"account"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
	Resumed    int              `json:"resumed"`
	Listed     int              `json:"listed"`
	Skipped    int              `json:"skipped"`
	HandedOff  int              `json:"handed_off"`
	Failed     int              `json:"failed"`
	Checkpoint model.Checkpoint `json:"checkpoint"`
	Error      string           `json:"error,omitempty"`
}

// AccountStatus describes the schedule of one account.
type AccountStatus struct {
	Account    string       `json:"account"`
	Interval   string       `json:"interval"`
	NextRun    time.Time    `json:"next_run,omitempty"`
	LastRun    time.Time    `json:"last_run,omitempty"`
	LastResult *CycleResult `json:"last_result,omitempty"`
}

// Status is a snapshot of the scheduler.
type Status struct {
	Running  bool            `json:"running"`
	Accounts []AccountStatus `json:"accounts"`
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Source      Source
	Handler     Handler
	Credentials CredentialSource
	Store       Store
	Stack       *resilience.Stack
	Cache       *cache.Cache
	Metrics     *metrics.Metrics
	Log         *logrus.Entry
}

// Scheduler runs an independent polling loop per account.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	config  Config

	source  Source
	handler Handler
	creds   CredentialSource
	store   Store
	stack   *resilience.Stack
	cache   *cache.Cache
	metrics *metrics.Metrics
	log     *logrus.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	accounts  []model.Account
	mu        sync.RWMutex

	busy sync.Map

	resultsMu sync.Mutex
	results   map[string]CycleResult

	now func() time.Time
}

// NewScheduler creates a scheduler for the given accounts.
func NewScheduler(cfg Config, d Deps, accounts []model.Account) *Scheduler {
	log := d.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		entries:  make(map[string]cron.EntryID),
		config:   cfg,
		source:   d.Source,
		handler:  d.Handler,
		creds:    d.Credentials,
		store:    d.Store,
		stack:    d.Stack,
		cache:    d.Cache,
		metrics:  d.Metrics,
		log:      log.WithField("component", "scheduler"),
		ctx:      ctx,
		cancel:   cancel,
		accounts: accounts,
		results:  make(map[string]CycleResult),
		now:      time.Now,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	// a stopped cron cannot be restarted, and neither can a cancelled context
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.log))))
	s.entries = make(map[string]cron.EntryID)

	for _, a := range s.accounts {
		if err := s.schedule(a); err != nil {
			s.cancel()
			return err
		}
	}
	if s.cache != nil && s.config.SweepInterval > 0 {
		if _, err := s.cron.AddFunc(every(s.config.SweepInterval), s.sweep); err != nil {
			s.cancel()
			return fmt.Errorf("failed to add cache sweep job: %w", err)
		}
	}

	s.cron.Start()
	s.isRunning = true

	s.log.WithField("accounts", len(s.accounts)).Info("Scheduler started")
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// schedule adds the polling job of one account. Callers hold mu.
func (s *Scheduler) schedule(a model.Account) error {
	account := a
	id, err := s.cron.AddFunc(every(account.PollInterval), func() { s.runScheduled(account) })
	if err != nil {
		return fmt.Errorf("failed to schedule account %s: %w", account.ID, err)
	}
	s.entries[account.ID] = id
	return nil
}

// Stop stops the scheduler and waits for running cycles to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}

	// Cancel context to stop any running cycles
	s.cancel()
	c := s.cron
	s.isRunning = false
	s.mu.Unlock()

	// jobs take mu on entry, so wait outside it
	ctx := c.Stop()

	select {
	case <-ctx.Done():
		s.log.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		s.log.Warn("Scheduler stop timeout, forcing shutdown")
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Wait waits for in-flight cycles to finish.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Accounts returns the current account set.
func (s *Scheduler) Accounts() []model.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Account(nil), s.accounts...)
}

// ReplaceAccounts swaps the account set wholesale. When running, the old
// polling jobs are removed and new ones scheduled; cycles already in
// progress finish against the account they started with.
func (s *Scheduler) ReplaceAccounts(accounts []model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = accounts
	if !s.isRunning {
		return nil
	}

	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	for _, a := range accounts {
		if err := s.schedule(a); err != nil {
			return err
		}
	}
	s.log.WithField("accounts", len(accounts)).Info("Account set replaced")
	return nil
}

func (s *Scheduler) account(id string) (model.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return model.Account{}, false
}

func (s *Scheduler) runScheduled(account model.Account) {
	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		return
	}
	ctx := s.ctx
	s.mu.RUnlock()

	if _, err := s.runCycle(ctx, account); err != nil && !errors.Is(err, ErrCycleRunning) {
		s.log.WithField("account", account.ID).WithError(err).Error("Polling cycle failed")
	}
}

func (s *Scheduler) sweep() {
	if n := s.cache.Sweep(); n > 0 {
		s.log.WithField("entries", n).Debug("Swept expired cache entries")
	}
}

// RunOnce runs one cycle of the account synchronously.
func (s *Scheduler) RunOnce(ctx context.Context, accountID string) (CycleResult, error) {
	account, ok := s.account(accountID)
	if !ok {
		return CycleResult{}, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return s.runCycle(ctx, account)
}

// RunAll runs one cycle of every account, one account after another. A
// failing account does not stop the others.
func (s *Scheduler) RunAll(ctx context.Context) []CycleResult {
	var results []CycleResult
	for _, a := range s.Accounts() {
		if ctx.Err() != nil {
			break
		}
		res, err := s.runCycle(ctx, a)
		if err != nil && res.Account == "" {
			res = CycleResult{Account: a.ID, Error: err.Error()}
		}
		results = append(results, res)
	}
	return results
}

// Status returns the schedule and last cycle of every account.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	st := Status{Running: s.isRunning}
	for _, a := range s.accounts {
		as := AccountStatus{Account: a.ID, Interval: a.PollInterval.String()}
		if s.isRunning {
			if id, ok := s.entries[a.ID]; ok {
				e := s.cron.Entry(id)
				as.NextRun, as.LastRun = e.Next, e.Prev
			}
		}
		st.Accounts = append(st.Accounts, as)
	}
	s.mu.RUnlock()

	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	for i := range st.Accounts {
		if res, ok := s.results[st.Accounts[i].Account]; ok {
			r := res
			st.Accounts[i].LastResult = &r
		}
	}
	return st
}

func (s *Scheduler) runCycle(parent context.Context, account model.Account) (CycleResult, error) {
	if _, loaded := s.busy.LoadOrStore(account.ID, struct{}{}); loaded {
		return CycleResult{}, fmt.Errorf("%w: %s", ErrCycleRunning, account.ID)
	}
	defer s.busy.Delete(account.ID)

	s.wg.Add(1)
	defer s.wg.Done()

	ctx := parent
	if s.config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.config.CycleTimeout)
		defer cancel()
	}

	res := CycleResult{Account: account.ID, StartedAt: s.now()}
	log := s.log.WithField("account", account.ID)
	if s.metrics != nil {
		s.metrics.CycleCount.WithLabelValues(account.ID).Inc()
	}

	err := s.cycle(ctx, account, &res, log)

	res.Duration = s.now().Sub(res.StartedAt)
	if s.metrics != nil {
		s.metrics.CycleDuration.WithLabelValues(account.ID).Observe(res.Duration.Seconds())
	}
	if err != nil {
		res.Error = err.Error()
	}
	s.resultsMu.Lock()
	s.results[account.ID] = res
	s.resultsMu.Unlock()

	log.WithFields(logrus.Fields{
		"listed":     res.Listed,
		"handed_off": res.HandedOff,
		"skipped":    res.Skipped,
		"failed":     res.Failed,
		"duration":   res.Duration.String(),
	}).Info("Polling cycle completed")
	return res, err
}

func (s *Scheduler) fail(account, reason string, err error) error {
	if s.metrics != nil {
		s.metrics.CycleFailures.WithLabelValues(account, reason).Inc()
	}
	return fmt.Errorf("%s: %w", reason, err)
}

func (s *Scheduler) cycle(ctx context.Context, account model.Account, res *CycleResult, log *logrus.Entry) error {
	resumed, err := s.handler.Resume(ctx, account)
	res.Resumed = resumed
	if err != nil {
		if apperr.IsContext(err) {
			return s.fail(account.ID, "resume", err)
		}
		log.WithError(err).Warn("Failed to resume interrupted messages")
	}

	creds, err := s.creds.Credentials(ctx, account)
	if err != nil {
		return s.fail(account.ID, "credentials", err)
	}

	cp, err := s.store.GetCheckpoint(ctx, account.ID)
	if err != nil {
		return s.fail(account.ID, "checkpoint", err)
	}
	since := cp
	if since.IsZero() {
		since = model.Checkpoint{Timestamp: s.now().Add(-s.config.InitialLookback)}
	}
	res.Checkpoint = cp

	var listed []model.Message
	err = s.stack.Do(ctx, resilience.UpstreamMail, func(ctx context.Context) error {
		msgs, err := s.source.ListSince(ctx, account, creds, since)
		if err != nil {
			return err
		}
		listed = msgs
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrUnauthorized) {
			s.creds.Invalidate(account.ID)
		}
		return s.fail(account.ID, "list", err)
	}

	batch := make([]model.Message, 0, len(listed))
	for _, m := range listed {
		m.AccountID = account.ID
		if since.Admits(m.Timestamp) {
			batch = append(batch, m)
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		if !batch[i].Timestamp.Equal(batch[j].Timestamp) {
			return batch[i].Timestamp.Before(batch[j].Timestamp)
		}
		return batch[i].ID < batch[j].ID
	})
	res.Listed = len(batch)
	if s.metrics != nil {
		s.metrics.MessagesListed.WithLabelValues(account.ID).Add(float64(len(batch)))
	}

	handed := s.handOff(ctx, account, batch, res, log)

	// the checkpoint only moves past a contiguous run of handed-off messages
	var next model.Checkpoint
	advanced := false
	for i, m := range batch {
		if !handed[i] {
			break
		}
		next, advanced = model.Checkpoint{Timestamp: m.Timestamp, MessageID: m.ID}, true
	}
	if advanced {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
		defer cancel()
		if err := s.store.AdvanceCheckpoint(wctx, account.ID, next); err != nil {
			return s.fail(account.ID, "checkpoint", err)
		}
		res.Checkpoint = next
	}

	if err := ctx.Err(); err != nil {
		return s.fail(account.ID, "deadline", err)
	}
	if res.Failed > 0 {
		return s.fail(account.ID, "handoff", fmt.Errorf("%d of %d messages not handed off", res.Failed, len(batch)))
	}
	return nil
}

// handOff gives every unseen message to the handler through a bounded
// worker pool and reports which positions of batch were handed off.
func (s *Scheduler) handOff(ctx context.Context, account model.Account, batch []model.Message, res *CycleResult, log *logrus.Entry) []bool {
	handed := make([]bool, len(batch))

	limit := account.Concurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	var mu sync.Mutex
	for i, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		processed, err := s.store.IsProcessed(ctx, account.ID, msg.ID)
		if err != nil {
			log.WithField("message_id", msg.ID).WithError(err).Warn("Dedup lookup failed")
			mu.Lock()
			res.Failed++
			mu.Unlock()
			continue
		}
		if processed {
			mu.Lock()
			handed[i] = true
			res.Skipped++
			mu.Unlock()
			continue
		}

		i, msg := i, msg
		g.Go(func() error {
			err := s.handler.Handle(ctx, account, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.WithField("message_id", msg.ID).WithError(err).Error("Failed to hand off message")
				res.Failed++
				return nil
			}
			handed[i] = true
			res.HandedOff++
			if s.metrics != nil {
				s.metrics.MessagesHandled.WithLabelValues(account.ID).Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
	return handed
}

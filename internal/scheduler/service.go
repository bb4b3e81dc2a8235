package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

const (
	defaultRunTimeout = 10 * time.Minute
	tickInterval      = 1 * time.Second
	historyLimit      = 20 // finished registrations kept for status queries
)

// Service manages work registrations with persistence, scheduling, and
// serialized execution.
type Service struct {
	storePath  string
	store      storeFile
	worker     Worker
	env        Environment
	retryCfg   RetryConfig
	runTimeout time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu        sync.Mutex
	runMu     sync.Mutex // one job at a time
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	listeners []func(RunEvent)
}

// Option configures a Service.
type Option func(*Service)

// WithEnvironment sets the constraint environment (default SystemEnvironment).
func WithEnvironment(env Environment) Option {
	return func(s *Service) { s.env = env }
}

// WithRetryConfig overrides the default retry configuration.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(s *Service) { s.retryCfg = cfg }
}

// WithRunTimeout bounds a single run (default 10m).
func WithRunTimeout(d time.Duration) Option {
	return func(s *Service) { s.runTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a work runtime. storePath is the JSON file used for
// persistence; empty keeps registrations in memory only. Persisted jobs are
// loaded immediately so they can be queried before Start.
func NewService(storePath string, worker Worker, opts ...Option) *Service {
	s := &Service{
		storePath:  storePath,
		store:      storeFile{Version: 1},
		worker:     worker,
		env:        SystemEnvironment{},
		retryCfg:   DefaultRetryConfig(),
		runTimeout: defaultRunTimeout,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.loadUnsafe(); err != nil {
		s.logger.Warn("scheduler: failed to load store, starting fresh", "path", storePath, "error", err)
		s.store = storeFile{Version: 1}
	}
	for i := range s.store.Jobs {
		// a run interrupted by a crash is rescheduled
		if s.store.Jobs[i].State.Status == StateRunning {
			s.store.Jobs[i].State.Status = StateEnqueued
		}
	}
	return s
}

// SetWorker sets the execution callback.
func (s *Service) SetWorker(w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worker = w
}

// OnRunFinished registers a listener for applied run results.
func (s *Service) OnRunFinished(fn func(RunEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start begins the scheduling loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.runLoop(loopCtx, s.done)

	s.logger.Info("scheduler started", "jobs", len(s.store.Jobs))
	return nil
}

// Stop halts the scheduling loop and waits for an in-flight run to return.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped")
}

// EnqueueUniquePeriodic registers named recurring work. At most one active
// registration per name exists; policy decides what happens to an existing one.
func (s *Service) EnqueueUniquePeriodic(req Request, policy ExistingPolicy) (WorkInfo, error) {
	if req.Name == "" {
		return WorkInfo{}, fmt.Errorf("work name required")
	}
	if err := validateSchedule(req.Schedule); err != nil {
		return WorkInfo{}, fmt.Errorf("invalid schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMS()
	if idx := s.findActiveUnsafe(req.Name, KindPeriodic); idx >= 0 {
		job := &s.store.Jobs[idx]
		switch policy {
		case PolicyUpdate:
			if job.Schedule != req.Schedule {
				job.State.NextRunAtMS = s.computeNextRun(req.Schedule, now)
			}
			job.Schedule = req.Schedule
			job.Constraints = req.Constraints
			job.Tags = req.Tags
			job.UpdatedAtMS = now
			s.saveLogged()
			s.logger.Info("scheduler: periodic work updated", "name", req.Name, "id", job.ID)
			return job.info(), nil
		case PolicyReplace:
			job.State.Status = StateCancelled
			job.State.NextRunAtMS = nil
			job.UpdatedAtMS = now
		default:
			return job.info(), nil
		}
	}
	s.dropFinishedUnsafe(req.Name, KindPeriodic)

	job := Job{
		ID:          generateID(),
		Name:        req.Name,
		Kind:        KindPeriodic,
		Schedule:    req.Schedule,
		Constraints: req.Constraints,
		Tags:        req.Tags,
		State:       JobState{Status: StateEnqueued},
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	if req.InitialDelay > 0 {
		next := now + req.InitialDelay.Milliseconds()
		job.State.NextRunAtMS = &next
	} else {
		// first period runs right away
		next := now
		job.State.NextRunAtMS = &next
	}

	s.store.Jobs = append(s.store.Jobs, job)
	s.pruneUnsafe()
	s.saveLogged()

	s.logger.Info("scheduler: periodic work enqueued", "name", req.Name, "id", job.ID,
		"everyMs", req.Schedule.EveryMS, "expr", req.Schedule.Expr)
	return job.info(), nil
}

// EnqueueOneShot registers work that runs once.
func (s *Service) EnqueueOneShot(req Request) (WorkInfo, error) {
	if req.Name == "" {
		return WorkInfo{}, fmt.Errorf("work name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMS()
	next := now + req.InitialDelay.Milliseconds()
	job := Job{
		ID:          generateID(),
		Name:        req.Name,
		Kind:        KindOneShot,
		Constraints: req.Constraints,
		Tags:        req.Tags,
		State:       JobState{Status: StateEnqueued, NextRunAtMS: &next},
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	s.store.Jobs = append(s.store.Jobs, job)
	s.pruneUnsafe()
	s.saveLogged()

	s.logger.Info("scheduler: one-shot work enqueued", "name", req.Name, "id", job.ID)
	return job.info(), nil
}

// CancelByName cancels every active registration with name. An in-flight
// run finishes, but its result is dropped. Returns the number cancelled.
func (s *Service) CancelByName(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.nowMS()
	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if job.Name != name || job.State.Status.Finished() {
			continue
		}
		job.State.Status = StateCancelled
		job.State.NextRunAtMS = nil
		job.UpdatedAtMS = now
		n++
	}
	if n > 0 {
		s.pruneUnsafe()
		s.saveLogged()
		s.logger.Info("scheduler: work cancelled", "name", name, "count", n)
	}
	return n
}

// Infos returns snapshots of all registrations (active and recent finished)
// with name, oldest first.
func (s *Service) Infos(name string) []WorkInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []WorkInfo
	for i := range s.store.Jobs {
		if s.store.Jobs[i].Name == name {
			out = append(out, s.store.Jobs[i].info())
		}
	}
	return out
}

// InfosFor returns snapshots of all registrations of kind.
func (s *Service) InfosFor(kind Kind) []WorkInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []WorkInfo
	for i := range s.store.Jobs {
		if s.store.Jobs[i].Kind == kind {
			out = append(out, s.store.Jobs[i].info())
		}
	}
	return out
}

// Status returns the service status.
func (s *Service) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for i := range s.store.Jobs {
		if !s.store.Jobs[i].State.Status.Finished() {
			active++
		}
	}
	return map[string]any{
		"running":      s.running,
		"jobs":         len(s.store.Jobs),
		"active":       active,
		"nextWakeAtMs": s.getNextWakeMS(),
	}
}

// --- Internal scheduling loop ---

func (s *Service) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue executes every job that is due now, one at a time, and returns how
// many ran. The scheduling loop calls it every second.
func (s *Service) RunDue(ctx context.Context) int {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	now := s.nowMS()
	var due []string
	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if job.State.Status.Finished() || job.State.NextRunAtMS == nil || *job.State.NextRunAtMS > now {
			continue
		}
		due = append(due, job.ID)
	}
	s.mu.Unlock()

	ran := 0
	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		if s.executeJobByID(ctx, id) {
			ran++
		}
	}
	return ran
}

// executeJobByID runs one due job if its constraints hold.
func (s *Service) executeJobByID(ctx context.Context, jobID string) bool {
	s.mu.Lock()
	idx := s.indexUnsafe(jobID)
	if idx < 0 || s.store.Jobs[idx].State.Status.Finished() {
		s.mu.Unlock()
		return false
	}
	job := &s.store.Jobs[idx]

	if unmet := job.Constraints.Unmet(s.env.Snapshot()); len(unmet) > 0 {
		if job.State.Status != StateBlocked {
			job.State.Status = StateBlocked
			s.saveLogged()
			s.logger.Info("scheduler: work blocked on constraints", "name", job.Name, "id", job.ID,
				"unmet", strings.Join(unmet, ","))
		}
		s.mu.Unlock()
		return false
	}

	job.State.Status = StateRunning
	snapshot := *job
	worker := s.worker
	s.saveLogged()
	s.mu.Unlock()

	if worker == nil {
		s.logger.Warn("scheduler: no worker configured", "name", snapshot.Name)
		s.mu.Lock()
		if i := s.indexUnsafe(jobID); i >= 0 && s.store.Jobs[i].State.Status == StateRunning {
			s.store.Jobs[i].State.Status = StateEnqueued
		}
		s.mu.Unlock()
		return false
	}

	s.logger.Info("scheduler executing work", "name", snapshot.Name, "id", snapshot.ID,
		"attempt", snapshot.State.RunAttempt+1)

	start := s.now()
	result, runErr := s.invoke(ctx, worker, snapshot)
	elapsed := s.now().Sub(start)

	if ctx.Err() != nil {
		// shutdown: leave the job due so it runs after restart
		s.mu.Lock()
		if i := s.indexUnsafe(jobID); i >= 0 && s.store.Jobs[i].State.Status == StateRunning {
			s.store.Jobs[i].State.Status = StateEnqueued
			s.saveLogged()
		}
		s.mu.Unlock()
		return true
	}

	ev, applied := s.applyResult(jobID, result, runErr, start, elapsed)
	if !applied {
		return true
	}

	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
	return true
}

// invoke runs the worker with the run timeout and converts a panic into a
// retryable result.
func (s *Service) invoke(ctx context.Context, worker Worker, job Job) (result Result, err error) {
	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: worker panic", "name", job.Name, "panic", r, "stack", string(debug.Stack()))
			result = ResultRetry
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return worker(runCtx, job)
}

func (s *Service) applyResult(jobID string, result Result, runErr error, start time.Time, elapsed time.Duration) (RunEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexUnsafe(jobID)
	if idx < 0 || s.store.Jobs[idx].State.Status != StateRunning {
		s.logger.Info("scheduler: result dropped for cancelled work", "id", jobID, "result", result.String())
		return RunEvent{}, false
	}
	job := &s.store.Jobs[idx]

	now := s.nowMS()
	job.State.LastRunAtMS = &now
	job.UpdatedAtMS = now
	job.State.LastError = ""
	if runErr != nil {
		job.State.LastError = truncateError(runErr.Error())
	}

	ev := RunEvent{
		Result:   result,
		Err:      job.State.LastError,
		Attempt:  job.State.RunAttempt + 1,
		Duration: elapsed,
		StartMS:  start.UnixMilli(),
	}

	switch result {
	case ResultSuccess:
		job.State.LastStatus = "ok"
		job.State.RunAttempt = 0
		if job.Kind == KindOneShot {
			job.State.Status = StateSucceeded
			job.State.NextRunAtMS = nil
		} else {
			job.State.Status = StateEnqueued
			job.State.NextRunAtMS = s.computeNextRun(job.Schedule, now)
		}
		s.logger.Info("scheduler work completed", "name", job.Name, "id", job.ID, "duration", elapsed)

	case ResultRetry:
		job.State.RunAttempt++
		if job.State.RunAttempt > s.retryCfg.MaxRetries {
			ev.GaveUp = true
			job.State.LastStatus = "failed"
			job.State.RunAttempt = 0
			if job.Kind == KindOneShot {
				job.State.Status = StateFailed
				job.State.NextRunAtMS = nil
			} else {
				job.State.Status = StateEnqueued
				job.State.NextRunAtMS = s.computeNextRun(job.Schedule, now)
			}
			s.logger.Warn("scheduler: retry ceiling reached", "name", job.Name, "id", job.ID,
				"maxRetries", s.retryCfg.MaxRetries, "error", job.State.LastError)
		} else {
			delay := s.retryCfg.Backoff(job.State.RunAttempt)
			next := now + delay.Milliseconds()
			job.State.Status = StateEnqueued
			job.State.NextRunAtMS = &next
			job.State.LastStatus = "retry"
			s.logger.Info("scheduler work retrying", "name", job.Name, "id", job.ID,
				"attempt", job.State.RunAttempt, "backoff", delay, "error", job.State.LastError)
		}

	default:
		job.State.LastStatus = "failed"
		job.State.Status = StateFailed
		job.State.NextRunAtMS = nil
		job.State.RunAttempt = 0
		s.logger.Error("scheduler work failed", "name", job.Name, "id", job.ID, "error", job.State.LastError)
	}

	ev.Work = job.info()
	s.pruneUnsafe()
	s.saveLogged()
	return ev, true
}

// --- Schedule computation ---

func (s *Service) computeNextRun(schedule Schedule, now int64) *int64 {
	if schedule.Expr != "" {
		nextTime, err := gronx.NextTickAfter(schedule.Expr, time.UnixMilli(now), false)
		if err != nil {
			s.logger.Error("scheduler: failed to compute next run", "expr", schedule.Expr, "error", err)
			return nil
		}
		nextMS := nextTime.UnixMilli()
		return &nextMS
	}
	if schedule.EveryMS <= 0 {
		return nil
	}
	next := now + schedule.EveryMS
	return &next
}

func validateSchedule(schedule Schedule) error {
	switch {
	case schedule.Expr != "" && schedule.EveryMS != 0:
		return fmt.Errorf("schedule takes either everyMs or expr, not both")
	case schedule.Expr != "":
		gx := gronx.New()
		if !gx.IsValid(schedule.Expr) {
			return fmt.Errorf("invalid cron expression: %s", schedule.Expr)
		}
	case schedule.EveryMS <= 0:
		return fmt.Errorf("periodic schedule requires positive everyMs or expr")
	}
	return nil
}

func (s *Service) getNextWakeMS() *int64 {
	var earliest *int64
	for _, job := range s.store.Jobs {
		if !job.State.Status.Finished() && job.State.NextRunAtMS != nil {
			if earliest == nil || *job.State.NextRunAtMS < *earliest {
				earliest = job.State.NextRunAtMS
			}
		}
	}
	return earliest
}

func (s *Service) nowMS() int64 {
	return s.now().UnixMilli()
}

func (s *Service) indexUnsafe(id string) int {
	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) findActiveUnsafe(name string, kind Kind) int {
	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if job.Name == name && job.Kind == kind && !job.State.Status.Finished() {
			return i
		}
	}
	return -1
}

// dropFinishedUnsafe removes finished registrations of a unique name so a
// fresh one can take its place.
func (s *Service) dropFinishedUnsafe(name string, kind Kind) {
	kept := s.store.Jobs[:0]
	for _, job := range s.store.Jobs {
		if job.Name == name && job.Kind == kind && job.State.Status.Finished() {
			continue
		}
		kept = append(kept, job)
	}
	s.store.Jobs = kept
}

// pruneUnsafe keeps at most historyLimit finished registrations, newest first.
func (s *Service) pruneUnsafe() {
	var finished []int
	for i := range s.store.Jobs {
		if s.store.Jobs[i].State.Status.Finished() {
			finished = append(finished, i)
		}
	}
	if len(finished) <= historyLimit {
		return
	}
	sort.SliceStable(finished, func(a, b int) bool {
		return s.store.Jobs[finished[a]].UpdatedAtMS > s.store.Jobs[finished[b]].UpdatedAtMS
	})
	drop := make(map[int]bool, len(finished)-historyLimit)
	for _, i := range finished[historyLimit:] {
		drop[i] = true
	}
	kept := make([]Job, 0, len(s.store.Jobs)-len(drop))
	for i, job := range s.store.Jobs {
		if !drop[i] {
			kept = append(kept, job)
		}
	}
	s.store.Jobs = kept
}

// --- Persistence ---

func (s *Service) loadUnsafe() error {
	if s.storePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &s.store)
}

func (s *Service) saveUnsafe() error {
	if s.storePath == "" {
		return nil
	}
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.storePath, data)
}

// writeFileAtomic replaces path through a synced temp file in the same
// directory, so a crash leaves either the old or the new registrations.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".work-*.json")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	name := tmp.Name()
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		os.Remove(name)
		return fmt.Errorf("write store: %w", err)
	}
	return nil
}

func (s *Service) saveLogged() {
	if err := s.saveUnsafe(); err != nil {
		s.logger.Warn("scheduler: failed to persist store", "path", s.storePath, "error", err)
	}
}

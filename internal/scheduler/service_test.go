package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type scriptedWorker struct {
	mu      sync.Mutex
	results []Result
	calls   int
}

func (w *scriptedWorker) run(ctx context.Context, job Job) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if len(w.results) == 0 {
		return ResultSuccess, nil
	}
	r := w.results[0]
	w.results = w.results[1:]
	if r != ResultSuccess {
		return r, errors.New("boom")
	}
	return r, nil
}

func (w *scriptedWorker) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

var online = StaticEnvironment{NetworkAvailable: true}

func newTestService(t *testing.T, w Worker, clk *fakeClock, opts ...Option) *Service {
	t.Helper()
	base := []Option{WithClock(clk.Now), WithEnvironment(online)}
	return NewService("", w, append(base, opts...)...)
}

func syncRequest() Request {
	return Request{
		Name:        "sync",
		Schedule:    Every(30 * time.Minute),
		Constraints: Constraints{RequiresNetwork: true, RequiresBatteryNotLow: true},
	}
}

func activeCount(infos []WorkInfo) int {
	n := 0
	for _, wi := range infos {
		if !wi.State.Finished() {
			n++
		}
	}
	return n
}

func TestBackoffBounds(t *testing.T) {
	cfg := DefaultRetryConfig()
	for attempt := 1; attempt <= 20; attempt++ {
		want := cfg.MinBackoff << uint(attempt-1)
		if want > cfg.MaxBackoff || want <= 0 {
			want = cfg.MaxBackoff
		}
		lo := want - want/4
		hi := want + want/4
		for i := 0; i < 50; i++ {
			got := cfg.Backoff(attempt)
			if got < lo || got > hi {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
	if got := cfg.Backoff(100); got > cfg.MaxBackoff+cfg.MaxBackoff/4 {
		t.Errorf("huge attempt not capped: %v", got)
	}
}

func TestEnqueueUniquePeriodic_Keep(t *testing.T) {
	clk := newClock()
	s := newTestService(t, (&scriptedWorker{}).run, clk)

	first, err := s.EnqueueUniquePeriodic(syncRequest(), PolicyKeep)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	req := syncRequest()
	req.Schedule = Every(time.Hour)
	second, err := s.EnqueueUniquePeriodic(req, PolicyKeep)
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("keep policy created a new registration: %s vs %s", first.ID, second.ID)
	}
	if n := activeCount(s.Infos("sync")); n != 1 {
		t.Errorf("active registrations = %d, want 1", n)
	}
	if s.store.Jobs[0].Schedule.EveryMS != (30 * time.Minute).Milliseconds() {
		t.Errorf("keep policy changed the schedule")
	}
}

func TestEnqueueUniquePeriodic_UpdateKeepsHistory(t *testing.T) {
	clk := newClock()
	w := &scriptedWorker{results: []Result{ResultRetry}}
	s := newTestService(t, w.run, clk)

	first, _ := s.EnqueueUniquePeriodic(syncRequest(), PolicyUpdate)
	s.RunDue(context.Background())

	req := syncRequest()
	req.Schedule = Every(15 * time.Minute)
	req.Constraints.RequiresBatteryNotLow = false
	updated, err := s.EnqueueUniquePeriodic(req, PolicyUpdate)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != first.ID {
		t.Errorf("update policy replaced the registration")
	}
	if updated.RunAttempt != 1 || updated.LastStatus != "retry" {
		t.Errorf("run history lost: attempt=%d status=%q", updated.RunAttempt, updated.LastStatus)
	}
	job := s.store.Jobs[0]
	if job.Schedule.EveryMS != (15 * time.Minute).Milliseconds() || job.Constraints.RequiresBatteryNotLow {
		t.Errorf("update policy did not apply schedule/constraints: %+v", job)
	}
	if n := activeCount(s.Infos("sync")); n != 1 {
		t.Errorf("active registrations = %d, want 1", n)
	}
}

func TestEnqueueUniquePeriodic_Replace(t *testing.T) {
	s := newTestService(t, (&scriptedWorker{}).run, newClock())

	first, _ := s.EnqueueUniquePeriodic(syncRequest(), PolicyReplace)
	second, _ := s.EnqueueUniquePeriodic(syncRequest(), PolicyReplace)
	if first.ID == second.ID {
		t.Fatal("replace policy kept the old registration")
	}
	if n := activeCount(s.Infos("sync")); n != 1 {
		t.Errorf("active registrations = %d, want 1", n)
	}
}

func TestInfosForKind(t *testing.T) {
	s := newTestService(t, (&scriptedWorker{}).run, newClock())

	s.EnqueueUniquePeriodic(syncRequest(), PolicyKeep)
	s.EnqueueOneShot(Request{Name: "now"})
	s.EnqueueOneShot(Request{Name: "now"})

	if got := len(s.InfosFor(KindPeriodic)); got != 1 {
		t.Errorf("periodic = %d, want 1", got)
	}
	oneShots := s.InfosFor(KindOneShot)
	if len(oneShots) != 2 {
		t.Fatalf("one-shots = %d, want 2", len(oneShots))
	}
	for _, wi := range oneShots {
		if wi.Kind != KindOneShot || wi.Name != "now" {
			t.Errorf("unexpected info %+v", wi)
		}
	}
}

func TestInvalidSchedule(t *testing.T) {
	s := newTestService(t, nil, newClock())
	if _, err := s.EnqueueUniquePeriodic(Request{Name: "x"}, PolicyKeep); err == nil {
		t.Error("expected error for empty schedule")
	}
	if _, err := s.EnqueueUniquePeriodic(Request{Name: "x", Schedule: Schedule{Expr: "not a cron"}}, PolicyKeep); err == nil {
		t.Error("expected error for bad cron expression")
	}
	if _, err := s.EnqueueUniquePeriodic(Request{Name: "x", Schedule: Schedule{Expr: "*/15 * * * *"}}, PolicyKeep); err != nil {
		t.Errorf("valid cron expression rejected: %v", err)
	}
}

func TestPeriodicSuccessSchedulesNextInterval(t *testing.T) {
	clk := newClock()
	w := &scriptedWorker{}
	s := newTestService(t, w.run, clk)
	s.EnqueueUniquePeriodic(syncRequest(), PolicyKeep)

	if ran := s.RunDue(context.Background()); ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
	info := s.Infos("sync")[0]
	want := clk.Now().Add(30 * time.Minute).UnixMilli()
	if info.State != StateEnqueued || info.NextRunAtMS != want || info.LastStatus != "ok" {
		t.Errorf("after success: %+v (want next %d)", info, want)
	}

	// not due again until the interval passes
	if ran := s.RunDue(context.Background()); ran != 0 {
		t.Errorf("ran again before interval: %d", ran)
	}
	clk.Advance(30 * time.Minute)
	if ran := s.RunDue(context.Background()); ran != 1 {
		t.Errorf("did not run after interval")
	}
}

func TestRetryCeilingPeriodic(t *testing.T) {
	clk := newClock()
	w := &scriptedWorker{results: []Result{ResultRetry, ResultRetry, ResultRetry}}
	s := newTestService(t, w.run, clk, WithRetryConfig(RetryConfig{
		MaxRetries: 2, MinBackoff: time.Second, MaxBackoff: time.Minute,
	}))

	var events []RunEvent
	s.OnRunFinished(func(ev RunEvent) { events = append(events, ev) })
	s.EnqueueUniquePeriodic(syncRequest(), PolicyKeep)

	for i := 0; i < 3; i++ {
		if ran := s.RunDue(context.Background()); ran != 1 {
			t.Fatalf("round %d: ran = %d", i, ran)
		}
		clk.Advance(2 * time.Minute)
	}

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].GaveUp || events[1].GaveUp || !events[2].GaveUp {
		t.Errorf("gave up flags: %v %v %v", events[0].GaveUp, events[1].GaveUp, events[2].GaveUp)
	}
	info := s.Infos("sync")[0]
	if info.State != StateEnqueued || info.LastStatus != "failed" || info.RunAttempt != 0 {
		t.Errorf("periodic after ceiling: %+v", info)
	}
	if info.LastError != "boom" {
		t.Errorf("last error = %q", info.LastError)
	}
}

func TestRetryCeilingOneShot(t *testing.T) {
	clk := newClock()
	w := &scriptedWorker{results: []Result{ResultRetry, ResultRetry}}
	s := newTestService(t, w.run, clk, WithRetryConfig(RetryConfig{
		MaxRetries: 1, MinBackoff: time.Second, MaxBackoff: time.Minute,
	}))
	s.EnqueueOneShot(Request{Name: "now"})

	s.RunDue(context.Background())
	info := s.Infos("now")[0]
	if info.State != StateEnqueued || info.RunAttempt != 1 {
		t.Fatalf("after first retry: %+v", info)
	}
	lo := clk.Now().Add(750 * time.Millisecond).UnixMilli()
	hi := clk.Now().Add(1250 * time.Millisecond).UnixMilli()
	if info.NextRunAtMS < lo || info.NextRunAtMS > hi {
		t.Errorf("backoff next run %d outside [%d, %d]", info.NextRunAtMS, lo, hi)
	}

	clk.Advance(time.Minute)
	s.RunDue(context.Background())
	if info := s.Infos("now")[0]; info.State != StateFailed {
		t.Errorf("one-shot after ceiling: %+v", info)
	}
}

func TestFailureStopsPeriodic(t *testing.T) {
	clk := newClock()
	w := &scriptedWorker{results: []Result{ResultFailure}}
	s := newTestService(t, w.run, clk)
	s.EnqueueUniquePeriodic(syncRequest(), PolicyKeep)

	s.RunDue(context.Background())
	info := s.Infos("sync")[0]
	if info.State != StateFailed || info.NextRunAtMS != 0 {
		t.Fatalf("after failure: %+v", info)
	}
	clk.Advance(time.Hour)
	if ran := s.RunDue(context.Background()); ran != 0 {
		t.Errorf("failed periodic ran again")
	}

	// a fresh enqueue replaces the failed registration
	if _, err := s.EnqueueUniquePeriodic(syncRequest(), PolicyKeep); err != nil {
		t.Fatal(err)
	}
	infos := s.Infos("sync")
	if len(infos) != 1 || infos[0].State != StateEnqueued {
		t.Errorf("re-enqueue after failure: %+v", infos)
	}
}

func TestPanicBecomesRetry(t *testing.T) {
	clk := newClock()
	s := newTestService(t, func(ctx context.Context, job Job) (Result, error) {
		panic("kaboom")
	}, clk)
	var got RunEvent
	s.OnRunFinished(func(ev RunEvent) { got = ev })
	s.EnqueueOneShot(Request{Name: "now"})

	s.RunDue(context.Background())
	if got.Result != ResultRetry {
		t.Errorf("panic result = %v, want retry", got.Result)
	}
	if info := s.Infos("now")[0]; info.RunAttempt != 1 || info.State != StateEnqueued {
		t.Errorf("after panic: %+v", info)
	}
}

func TestConstraintBlocking(t *testing.T) {
	clk := newClock()
	w := &scriptedWorker{}
	env := &switchEnv{}
	s := newTestService(t, w.run, clk, WithEnvironment(env))
	s.EnqueueUniquePeriodic(syncRequest(), PolicyKeep)

	if ran := s.RunDue(context.Background()); ran != 0 {
		t.Fatalf("ran without network")
	}
	if info := s.Infos("sync")[0]; info.State != StateBlocked {
		t.Errorf("state = %s, want blocked", info.State)
	}

	env.set(EnvState{NetworkAvailable: true, BatteryLow: true})
	if ran := s.RunDue(context.Background()); ran != 0 {
		t.Fatalf("ran on low battery")
	}

	env.set(EnvState{NetworkAvailable: true})
	if ran := s.RunDue(context.Background()); ran != 1 {
		t.Fatalf("did not run once constraints were met")
	}
	if w.Calls() != 1 {
		t.Errorf("worker calls = %d", w.Calls())
	}
}

func TestCancelDropsInflightResult(t *testing.T) {
	clk := newClock()
	var s *Service
	s = newTestService(t, func(ctx context.Context, job Job) (Result, error) {
		s.CancelByName(job.Name)
		return ResultSuccess, nil
	}, clk)
	fired := false
	s.OnRunFinished(func(RunEvent) { fired = true })
	s.EnqueueUniquePeriodic(syncRequest(), PolicyKeep)

	s.RunDue(context.Background())
	if fired {
		t.Error("listener fired for a cancelled run")
	}
	if info := s.Infos("sync")[0]; info.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", info.State)
	}
	if n := s.CancelByName("sync"); n != 0 {
		t.Errorf("second cancel = %d, want 0", n)
	}
	if n := s.CancelByName("nothing"); n != 0 {
		t.Errorf("cancel of unknown name = %d", n)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "work", "jobs.json")
	clk := newClock()
	s := NewService(path, nil, WithClock(clk.Now), WithEnvironment(online))
	first, err := s.EnqueueUniquePeriodic(syncRequest(), PolicyKeep)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("store not written: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 || entries[0].Name() != "jobs.json" {
		t.Errorf("store dir holds %d entries, want only jobs.json", len(entries))
	}

	s2 := NewService(path, nil, WithClock(clk.Now), WithEnvironment(online))
	again, _ := s2.EnqueueUniquePeriodic(syncRequest(), PolicyKeep)
	if again.ID != first.ID {
		t.Errorf("registration not restored: %s vs %s", again.ID, first.ID)
	}
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte(`{"old":true}`), 0600); err != nil {
		t.Fatal(err)
	}
	if err := writeFileAtomic(path, []byte(`{"new":true}`)); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != `{"new":true}` {
		t.Errorf("content = %s", got)
	}

	if err := writeFileAtomic(filepath.Join(t.TempDir(), "missing", "jobs.json"), nil); err == nil {
		t.Error("write into a missing dir should fail")
	}
}

func TestStartStop(t *testing.T) {
	done := make(chan struct{}, 1)
	s := NewService("", func(ctx context.Context, job Job) (Result, error) {
		select {
		case done <- struct{}{}:
		default:
		}
		return ResultSuccess, nil
	}, WithEnvironment(online))
	s.EnqueueOneShot(Request{Name: "now"})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("one-shot did not run")
	}
	s.Stop()
	s.Stop()
}

func TestConstraintsUnmet(t *testing.T) {
	c := Constraints{RequiresNetwork: true, RequiresBatteryNotLow: true, RequiresDeviceIdle: true}
	if got := c.Unmet(EnvState{NetworkAvailable: true, DeviceIdle: true}); len(got) != 0 {
		t.Errorf("unexpected unmet: %v", got)
	}
	if got := c.Unmet(EnvState{BatteryLow: true}); len(got) != 3 {
		t.Errorf("unmet = %v, want 3 entries", got)
	}
}

func TestSystemEnvironmentBattery(t *testing.T) {
	dir := t.TempDir()
	writeSupply := func(name, typ, capacity, status string) {
		p := filepath.Join(dir, name)
		os.MkdirAll(p, 0755)
		os.WriteFile(filepath.Join(p, "type"), []byte(typ+"\n"), 0644)
		os.WriteFile(filepath.Join(p, "capacity"), []byte(capacity+"\n"), 0644)
		os.WriteFile(filepath.Join(p, "status"), []byte(status+"\n"), 0644)
	}
	writeSupply("AC", "Mains", "", "")
	env := SystemEnvironment{PowerSupplyDir: dir}
	if env.Snapshot().BatteryLow {
		t.Error("mains only should not be low")
	}

	writeSupply("BAT0", "Battery", "10", "Charging")
	if env.Snapshot().BatteryLow {
		t.Error("charging battery should not be low")
	}
	writeSupply("BAT0", "Battery", "10", "Discharging")
	if !env.Snapshot().BatteryLow {
		t.Error("10% discharging should be low")
	}
	writeSupply("BAT0", "Battery", "15", "Discharging")
	if env.Snapshot().BatteryLow {
		t.Error("15% should not be low")
	}
}

type switchEnv struct {
	mu sync.Mutex
	s  EnvState
}

func (e *switchEnv) set(s EnvState) {
	e.mu.Lock()
	e.s = s
	e.mu.Unlock()
}

func (e *switchEnv) Snapshot() EnvState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s
}

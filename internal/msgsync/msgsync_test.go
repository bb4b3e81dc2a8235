package msgsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/messagesforcar/internal/pairing"
	"github.com/nextlevelbuilder/messagesforcar/internal/scheduler"
	"github.com/nextlevelbuilder/messagesforcar/internal/store"
	"github.com/nextlevelbuilder/messagesforcar/internal/store/file"
)

// --- fakes ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
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

type memMessages struct {
	mu            sync.Mutex
	conversations map[string]store.Conversation
	messages      []store.Message
	contacts      map[string]store.Contact
	countErr      error
}

func newMemMessages() *memMessages {
	return &memMessages{
		conversations: map[string]store.Conversation{},
		contacts:      map[string]store.Contact{},
	}
}

func (m *memMessages) UpsertConversation(_ context.Context, c *store.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = *c
	return nil
}

func (m *memMessages) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (m *memMessages) FindConversationByName(_ context.Context, name string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conversations {
		if c.Name == name {
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memMessages) ListConversations(_ context.Context, limit int) ([]store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Conversation
	for _, c := range m.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTimestamp > out[j].LastTimestamp })
	return out, nil
}

func (m *memMessages) MarkConversationRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	c.UnreadCount = 0
	m.conversations[id] = c
	return nil
}

func (m *memMessages) InsertMessage(_ context.Context, msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memMessages) ListMessages(_ context.Context, convID string, limit int) ([]store.Message, error) {
	return nil, nil
}

func (m *memMessages) UpsertContact(_ context.Context, c *store.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.ID] = *c
	return nil
}

func (m *memMessages) CountConversations(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations), m.countErr
}

func (m *memMessages) CountMessages(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages), m.countErr
}

func (m *memMessages) CountUnread(context.Context) (int, error) { return 0, nil }

type evalFunc func(ctx context.Context, js string) (string, error)

func (f evalFunc) Evaluate(ctx context.Context, js string) (string, error) { return f(ctx, js) }

type syncerFunc func(ctx context.Context) (Report, error)

func (f syncerFunc) Sync(ctx context.Context) (Report, error) { return f(ctx) }

type recordingNoticer struct {
	reasons []string
}

func (n *recordingNoticer) NotifyRepairRequired(_ context.Context, reason string) {
	n.reasons = append(n.reasons, reason)
}

type spanRecorder struct {
	spans []store.SpanData
}

func (r *spanRecorder) EmitSpan(s store.SpanData) { r.spans = append(r.spans, s) }

// --- fixture ---

type fixture struct {
	clock     *fakeClock
	pairStore *pairing.Store
	pairMgr   *pairing.Manager
	runtime   *scheduler.Service
	manager   *Manager
	messages  *memMessages
	worker    *Worker
	noticer   *recordingNoticer
}

const pageJSON = `{"ready":true,"conversations":[
 {"id":"c1","name":"Alice","snippet":"see you","timestamp":1700000000000,"unread":true,"group":false,"participants":[]},
 {"id":"","name":"Team","snippet":"lunch?","timestamp":1700000001000,"unread":false,"group":true,"participants":["Bob","Carol"]}
]}`

func newFixture(t *testing.T, syncer Syncer) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	kv, err := file.NewFileKVStore(filepath.Join(t.TempDir(), "preferences.json"))
	if err != nil {
		t.Fatalf("kv: %v", err)
	}
	pst := pairing.NewStore(ctx, kv, pairing.WithClock(clock.Now))
	pm := pairing.NewManager(ctx, pst, kv, pairing.WithManagerClock(clock.Now))

	f := &fixture{clock: clock, pairStore: pst, pairMgr: pm, messages: newMemMessages(), noticer: &recordingNoticer{}}
	if syncer == nil {
		syncer = NewSessionSyncer(evalFunc(func(context.Context, string) (string, error) {
			return pageJSON, nil
		}), f.messages)
	}
	f.worker = &Worker{Pairing: pst, Messages: f.messages, Syncer: syncer}
	f.runtime = scheduler.NewService("", WorkerFunc(f.worker),
		scheduler.WithClock(clock.Now),
		scheduler.WithEnvironment(scheduler.StaticEnvironment{NetworkAvailable: true}))
	f.manager = NewManager(f.runtime, func() bool { return pst.State().IsPaired },
		Config{Automotive: true}, WithNoticer(f.noticer))
	f.runtime.OnRunFinished(f.manager.HandleRunFinished)
	pm.OnChange(f.manager.OnPairingStateChanged)
	return f
}

func (f *fixture) pair(t *testing.T) {
	t.Helper()
	if err := f.pairMgr.MarkPairingSuccessful(context.Background(), ""); err != nil {
		t.Fatalf("mark paired: %v", err)
	}
}

func activeNamed(infos []scheduler.WorkInfo) int {
	n := 0
	for _, wi := range infos {
		if !wi.State.Finished() {
			n++
		}
	}
	return n
}

// --- scheduler properties ---

func TestStartSyncTwiceKeepsOneJob(t *testing.T) {
	f := newFixture(t, nil)
	f.pair(t)

	if err := f.manager.StartSync(); err != nil {
		t.Fatal(err)
	}
	if err := f.manager.StartSync(); err != nil {
		t.Fatal(err)
	}
	if n := activeNamed(f.runtime.Infos(WorkName)); n != 1 {
		t.Errorf("active %s = %d, want 1", WorkName, n)
	}
	if f.manager.State() != StateScheduled {
		t.Errorf("state = %s, want scheduled", f.manager.State())
	}
}

func TestUnpairedEnqueuesNothing(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.manager.StartSync(); err != nil {
		t.Fatal(err)
	}
	if err := f.manager.TriggerImmediateSync(); err != nil {
		t.Fatal(err)
	}
	if n := len(f.runtime.Infos(WorkName)) + len(f.runtime.Infos(OneShotName)); n != 0 {
		t.Errorf("unpaired enqueued %d jobs", n)
	}
	if f.manager.IsSyncRunning() {
		t.Error("IsSyncRunning should be false")
	}
	if f.manager.State() != StateIdle {
		t.Errorf("state = %s, want idle", f.manager.State())
	}
}

func TestStopSyncSafeWhenIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.manager.StopSync()

	f.pair(t)
	f.manager.StopSync()
	if f.manager.IsSyncRunning() {
		t.Error("sync still registered after stop")
	}
}

func TestPolicyByDeviceClass(t *testing.T) {
	if p := (Config{Automotive: true}).policy(); p != scheduler.PolicyUpdate {
		t.Errorf("automotive policy = %s", p)
	}
	if p := (Config{}).policy(); p != scheduler.PolicyKeep {
		t.Errorf("standard policy = %s", p)
	}
	if d := (Config{Automotive: true}).interval(); d != 30*time.Minute {
		t.Errorf("automotive interval = %v", d)
	}
	if d := (Config{}).interval(); d != 15*time.Minute {
		t.Errorf("standard interval = %v", d)
	}
}

func TestEndToEndPairingToFirstSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	// QR shown
	f.pairMgr.Observe(ctx, pairing.Observation{State: pairing.StateUnpaired, Confidence: 0.9, Seq: 1, At: f.clock.Now().UnixMilli()})
	if f.manager.IsSyncRunning() {
		t.Fatal("sync scheduled while unpaired")
	}

	// user scans
	f.clock.Advance(5 * time.Second)
	f.pair(t)

	// conversations render
	f.clock.Advance(2 * time.Second)
	f.pairMgr.Observe(ctx, pairing.Observation{State: pairing.StatePaired, Confidence: 0.8, Seq: 2, At: f.clock.Now().UnixMilli()})

	infos := f.runtime.Infos(WorkName)
	if activeNamed(infos) != 1 {
		t.Fatalf("recurring job not enqueued: %+v", infos)
	}

	if ran := f.runtime.RunDue(ctx); ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
	info := f.runtime.Infos(WorkName)[0]
	if info.LastStatus != "ok" || info.RunAttempt != 0 {
		t.Errorf("first run not successful: %+v", info)
	}
	wantNext := f.clock.Now().Add(AutomotiveInterval).UnixMilli()
	if info.NextRunAtMS != wantNext {
		t.Errorf("next run = %d, want %d (no retry)", info.NextRunAtMS, wantNext)
	}
	if len(f.runtime.Infos(OneShotName)) != 0 {
		t.Error("unexpected one-shot work")
	}
	if got := len(f.messages.conversations); got != 2 {
		t.Errorf("conversations stored = %d, want 2", got)
	}
	if got := len(f.messages.contacts); got != 3 {
		t.Errorf("contacts stored = %d, want 3", got)
	}
	if f.manager.SyncStatus().LastSuccessMS == 0 {
		t.Error("last success not recorded")
	}
}

func TestUnpairingStopsSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.pair(t)
	if !f.manager.IsSyncRunning() {
		t.Fatal("pairing did not start sync")
	}

	f.clock.Advance(time.Second)
	f.pairMgr.Observe(ctx, pairing.Observation{State: pairing.StateUnpaired, Seq: 1, At: f.clock.Now().UnixMilli()})
	if f.manager.IsSyncRunning() {
		t.Error("sync still scheduled after unpairing")
	}
}

func TestDetectorErrorKeepsSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.pair(t)

	f.clock.Advance(time.Second)
	f.pairMgr.Observe(ctx, pairing.Observation{State: pairing.StatePaired, Confidence: 0.8, Seq: 1, At: f.clock.Now().UnixMilli()})
	before := f.runtime.Infos(WorkName)
	if activeNamed(before) != 1 {
		t.Fatalf("sync not scheduled after pairing: %+v", before)
	}

	f.clock.Advance(2 * time.Second)
	f.pairMgr.Observe(ctx, pairing.Observation{State: pairing.StateError, Seq: 2, At: f.clock.Now().UnixMilli()})

	after := f.runtime.Infos(WorkName)
	if activeNamed(after) != 1 {
		t.Fatalf("transient detector error stopped sync: %+v", after)
	}
	if after[0].ID != before[0].ID || after[0].NextRunAtMS != before[0].NextRunAtMS {
		t.Errorf("detector error rescheduled sync: %+v -> %+v", before[0], after[0])
	}

	f.clock.Advance(2 * time.Second)
	f.pairMgr.Observe(ctx, pairing.Observation{State: pairing.StatePaired, Confidence: 0.8, Seq: 3, At: f.clock.Now().UnixMilli()})
	if n := activeNamed(f.runtime.Infos(WorkName)); n != 1 {
		t.Errorf("recovery left %d active jobs, want 1", n)
	}
}

func TestCapabilityGate(t *testing.T) {
	f := newFixture(t, nil)
	f.manager.capability = func() bool { return false }
	f.pair(t)
	if f.manager.IsSyncRunning() {
		t.Error("sync started without a notification sink")
	}
}

func TestConnectivityAndPower(t *testing.T) {
	f := newFixture(t, nil)
	f.manager.OnNetworkConnectivityChanged(true)
	if len(f.runtime.Infos(OneShotName)) != 0 {
		t.Fatal("connectivity triggered sync while unpaired")
	}

	f.pair(t)
	f.manager.OnEnvironmentChanged(scheduler.EnvState{}, scheduler.EnvState{NetworkAvailable: true})
	if len(f.runtime.Infos(OneShotName)) != 1 {
		t.Errorf("connectivity regain did not trigger one-shot")
	}

	f.manager.OnPowerStateChanged(true)
	if activeNamed(f.runtime.Infos(WorkName)) != 0 {
		t.Error("low power did not stop periodic sync")
	}
	f.manager.OnPowerStateChanged(false)
	if activeNamed(f.runtime.Infos(WorkName)) != 1 {
		t.Error("power recovery did not restart periodic sync")
	}
}

// --- executor ---

func TestWorkerSkipsWhenUnpaired(t *testing.T) {
	called := false
	f := newFixture(t, syncerFunc(func(context.Context) (Report, error) {
		called = true
		return Report{}, nil
	}))
	res := f.worker.Run(context.Background())
	if !res.Success || called {
		t.Errorf("unpaired run: %+v, syncer called=%v", res, called)
	}
}

func TestWorkerStalePairingStillSyncs(t *testing.T) {
	called := false
	f := newFixture(t, syncerFunc(func(context.Context) (Report, error) {
		called = true
		return Report{}, nil
	}))
	f.pair(t)
	f.clock.Advance(48 * time.Hour)
	if res := f.worker.Run(context.Background()); !res.Success || !called {
		t.Errorf("stale pairing run: %+v called=%v", res, called)
	}
}

func TestWorkerClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient", Transient("scrape", ErrSessionUnavailable), true},
		{"deadline", context.DeadlineExceeded, true},
		{"unclassified", errors.New("weird"), true},
		{"structural", Structural("decode", errors.New("bad shape")), false},
		{"wrapped structural", fmt.Errorf("outer: %w", ErrStructural), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t, syncerFunc(func(context.Context) (Report, error) {
				return Report{}, c.err
			}))
			f.pair(t)
			res := f.worker.Run(context.Background())
			if res.Success || res.Retryable != c.retryable || res.ErrorMessage == "" {
				t.Errorf("result = %+v, want retryable=%v", res, c.retryable)
			}
		})
	}
}

func TestWorkerPanicIsRetryable(t *testing.T) {
	f := newFixture(t, syncerFunc(func(context.Context) (Report, error) {
		panic("nil page")
	}))
	f.pair(t)
	res := f.worker.Run(context.Background())
	if res.Success || !res.Retryable {
		t.Errorf("panic result = %+v", res)
	}
}

func TestWorkerCountFailureRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.messages.countErr = errors.New("database is locked")
	f.pair(t)
	if res := f.worker.Run(context.Background()); res.Success || !res.Retryable {
		t.Errorf("count failure = %+v", res)
	}
}

func TestWorkerEmitsSpan(t *testing.T) {
	f := newFixture(t, nil)
	rec := &spanRecorder{}
	f.worker.Spans = rec
	f.pair(t)
	f.worker.Run(context.Background())
	if len(rec.spans) != 1 {
		t.Fatalf("spans = %d", len(rec.spans))
	}
	sp := rec.spans[0]
	if sp.SpanType != store.SpanTypeSyncRun || sp.Status != "ok" || sp.Attributes["conversations"] != "2" {
		t.Errorf("span = %+v", sp)
	}
}

func TestStructuralFailureBlocksSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncerFunc(func(context.Context) (Report, error) {
		return Report{}, Structural("decode", errors.New("no list"))
	}))
	f.pair(t)

	f.runtime.RunDue(ctx)
	st := f.manager.SyncStatus()
	if !st.Blocked {
		t.Fatal("structural failure did not block sync")
	}
	if len(f.noticer.reasons) != 1 {
		t.Errorf("re-pairing notices = %d", len(f.noticer.reasons))
	}
	if f.manager.IsSyncRunning() {
		t.Error("recurring cycle still active")
	}

	// blocked: StartSync is a no-op
	f.manager.StartSync()
	if f.manager.IsSyncRunning() {
		t.Error("StartSync ignored the block")
	}

	// a pairing change lifts the block
	f.manager.OnPairingStateChanged(pairing.StateUnpaired, pairing.StatePaired)
	if !f.manager.IsSyncRunning() || f.manager.SyncStatus().Blocked {
		t.Error("pairing change did not lift the block")
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncerFunc(func(context.Context) (Report, error) {
		return Report{}, Transient("scrape", ErrSessionUnavailable)
	}))
	f.pair(t)

	f.runtime.RunDue(ctx)
	info := f.runtime.Infos(WorkName)[0]
	if info.RunAttempt != 1 || info.LastStatus != "retry" {
		t.Errorf("after transient failure: %+v", info)
	}
	if f.manager.SyncStatus().Blocked {
		t.Error("transient failure must not block")
	}
}

// --- session syncer ---

func TestSessionSyncerShapes(t *testing.T) {
	cases := []struct {
		name       string
		page       string
		evalErr    error
		structural bool
	}{
		{"not json", "<html>", nil, true},
		{"missing list", `{"ready":true}`, nil, true},
		{"not ready", `{"ready":false,"conversations":[]}`, nil, false},
		{"eval error", "", errors.New("target closed"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := NewSessionSyncer(evalFunc(func(context.Context, string) (string, error) {
				return c.page, c.evalErr
			}), newMemMessages())
			_, err := s.Sync(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if Retryable(err) == c.structural {
				t.Errorf("err %v: retryable=%v, structural=%v", err, Retryable(err), c.structural)
			}
		})
	}
}

func TestSessionSyncerIdempotent(t *testing.T) {
	msgs := newMemMessages()
	s := NewSessionSyncer(evalFunc(func(context.Context, string) (string, error) {
		return pageJSON, nil
	}), msgs)
	for i := 0; i < 2; i++ {
		rep, err := s.Sync(context.Background())
		if err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		if rep.Conversations != 2 || rep.Unread != 1 {
			t.Errorf("sync %d report = %+v", i, rep)
		}
	}
	if len(msgs.conversations) != 2 || len(msgs.contacts) != 3 {
		t.Errorf("duplicates after resync: %d conversations, %d contacts", len(msgs.conversations), len(msgs.contacts))
	}
	if c := msgs.conversations["c1"]; c.Name != "Alice" || c.UnreadCount != 1 {
		t.Errorf("c1 = %+v", c)
	}
}

func TestSessionSyncerAdoptsInterceptedConversation(t *testing.T) {
	ctx := context.Background()
	msgs := newMemMessages()

	// a notification for Alice arrived before the first sync
	intercepted := &store.Conversation{ID: store.GenNewID().String(), Name: "Alice", LastMessage: "hi", UnreadCount: 1}
	if err := msgs.UpsertConversation(ctx, intercepted); err != nil {
		t.Fatal(err)
	}
	msgs.InsertMessage(ctx, &store.Message{ID: "m1", ConversationID: intercepted.ID, Sender: "Alice", Content: "hi"})

	s := NewSessionSyncer(evalFunc(func(context.Context, string) (string, error) {
		return pageJSON, nil
	}), msgs)
	for i := 0; i < 2; i++ {
		if _, err := s.Sync(ctx); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}

	var alice []store.Conversation
	for _, c := range msgs.conversations {
		if c.Name == "Alice" {
			alice = append(alice, c)
		}
	}
	if len(alice) != 1 {
		t.Fatalf("conversations named Alice = %d, want 1", len(alice))
	}
	if alice[0].ID != intercepted.ID || alice[0].LastMessage != "see you" {
		t.Errorf("Alice = %+v, want adopted row %s with page snippet", alice[0], intercepted.ID)
	}
	if len(msgs.conversations) != 2 {
		t.Errorf("conversations = %d, want 2", len(msgs.conversations))
	}
}

func TestRunListenersSeeFinishedSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	var got []scheduler.RunEvent
	f.manager.OnRun(func(ev scheduler.RunEvent) { got = append(got, ev) })
	f.pair(t)

	if ran := f.runtime.RunDue(ctx); ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
	if len(got) != 1 || got[0].Work.Name != WorkName || got[0].Result != scheduler.ResultSuccess {
		t.Errorf("run events = %+v", got)
	}
}

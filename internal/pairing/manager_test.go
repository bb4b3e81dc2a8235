package pairing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/messagesforcar/internal/store"
)

type transition struct{ from, to State }

func newTestManager(t *testing.T, clock *fakeClock) (*Manager, *[]transition) {
	t.Helper()
	ctx := context.Background()
	kv := newKV(t)
	st := NewStore(ctx, kv, WithClock(clock.Now))
	m := NewManager(ctx, st, kv, WithManagerClock(clock.Now),
		WithURLSource(func() string { return "https://messages.google.com/web/conversations" }))
	var seen []transition
	m.OnChange(func(from, to State) { seen = append(seen, transition{from, to}) })
	return m, &seen
}

func TestManager_StartsUnknown(t *testing.T) {
	m, _ := newTestManager(t, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	if s, _ := m.Current(); s != StateUnknown {
		t.Errorf("initial state = %v, want unknown", s)
	}
	if !m.ShouldShowQRCode() {
		t.Error("unknown state should show the QR code")
	}
}

func TestManager_ObservePairedMarksStore(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m, seen := newTestManager(t, clock)

	m.Observe(ctx, Observation{State: StateUnpaired, Seq: 1, At: clock.Now().UnixMilli()})
	if m.IsPaired() {
		t.Fatal("unpaired observation must not pair the store")
	}
	clock.Advance(time.Second)
	m.Observe(ctx, Observation{State: StatePaired, Confidence: 0.9, Seq: 2, At: clock.Now().UnixMilli()})

	if !m.IsPaired() {
		t.Fatal("paired observation should mark the store paired")
	}
	if got := m.Store().State().PairingURL; got != "https://messages.google.com/web/conversations" {
		t.Errorf("pairing url = %q", got)
	}
	want := []transition{{StateUnknown, StateUnpaired}, {StateUnpaired, StatePaired}}
	if len(*seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", *seen, want)
	}
	for i := range want {
		if (*seen)[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, (*seen)[i], want[i])
		}
	}
}

func TestManager_StaleObservationDiscarded(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m, seen := newTestManager(t, clock)

	at := clock.Now().UnixMilli()
	if !m.Observe(ctx, Observation{State: StatePaired, Seq: 5, At: at}) {
		t.Fatal("fresh observation rejected")
	}
	if m.Observe(ctx, Observation{State: StateUnpaired, Seq: 4, At: at}) {
		t.Error("older sequence must be discarded")
	}
	if m.Observe(ctx, Observation{State: StateUnpaired, Seq: 5, At: at}) {
		t.Error("equal sequence must be discarded")
	}
	if s, _ := m.Current(); s != StatePaired {
		t.Errorf("state = %v, want paired", s)
	}
	if len(*seen) != 1 {
		t.Errorf("transitions = %v, want one", *seen)
	}
}

func TestManager_ObservationBeforeExplicitEventDiscarded(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m, _ := newTestManager(t, clock)

	startedAt := clock.Now().UnixMilli()
	clock.Advance(2 * time.Second)
	if err := m.MarkPairingSuccessful(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if m.Observe(ctx, Observation{State: StateUnpaired, Seq: 1, At: startedAt}) {
		t.Error("observation taken before the completion event must be discarded")
	}
	if !m.IsPaired() {
		t.Error("late observation cleared the pairing")
	}
}

func TestManager_PairedToUnpairedClearsRecord(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m, _ := newTestManager(t, clock)

	m.Observe(ctx, Observation{State: StatePaired, Seq: 1, At: clock.Now().UnixMilli()})
	clock.Advance(time.Second)
	m.Observe(ctx, Observation{State: StateUnpaired, Confidence: 0.9, Seq: 2, At: clock.Now().UnixMilli()})

	if m.IsPaired() {
		t.Error("session invalidation should clear the record")
	}
}

func TestManager_UnpairedClearsRecordFromAnyState(t *testing.T) {
	for _, via := range []State{StateError, StateExpired} {
		t.Run(via.String(), func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
			m, _ := newTestManager(t, clock)

			if err := m.MarkPairingSuccessful(ctx, ""); err != nil {
				t.Fatal(err)
			}
			if via == StateExpired {
				clock.Advance(ValidityWindow + time.Hour)
				if got := m.CheckPairingStatus(ctx); got != StateExpired {
					t.Fatalf("check = %v, want expired", got)
				}
			} else {
				clock.Advance(time.Second)
				m.Observe(ctx, Observation{State: StateError, Seq: 1, At: clock.Now().UnixMilli()})
			}

			clock.Advance(time.Second)
			m.Observe(ctx, Observation{State: StateUnpaired, Confidence: 0.9, Seq: 2, At: clock.Now().UnixMilli()})
			if m.IsPaired() {
				t.Fatalf("%v -> unpaired left the record paired", via)
			}
			if got := m.CheckPairingStatus(ctx); got != StateUnpaired {
				t.Errorf("check after unpairing = %v, want unpaired", got)
			}
		})
	}
}

func TestManager_WeakUnpairedKeepsRecord(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m, _ := newTestManager(t, clock)

	m.Observe(ctx, Observation{State: StatePaired, Confidence: 0.9, Seq: 1, At: clock.Now().UnixMilli()})
	pairedAt := m.Store().State().PairingTimestamp

	// page reload: nothing rendered yet, then conversations again
	clock.Advance(time.Second)
	m.Observe(ctx, Observation{State: StateUnpaired, Confidence: 0.3, Seq: 2, At: clock.Now().UnixMilli()})
	if !m.IsPaired() {
		t.Fatal("no-evidence observation cleared the record")
	}
	clock.Advance(2 * time.Second)
	m.Observe(ctx, Observation{State: StatePaired, Confidence: 0.8, Seq: 3, At: clock.Now().UnixMilli()})

	if got := m.Store().State().PairingTimestamp; got != pairedAt {
		t.Errorf("pairing timestamp restamped: %d -> %d", pairedAt, got)
	}
}

// gatedKV holds the first write that marks the record paired until release
// is closed.
type gatedKV struct {
	store.KVStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedKV) Apply(ctx context.Context, set map[string]string, del []string) error {
	if set[KeyIsPaired] == "true" {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.KVStore.Apply(ctx, set, del)
}

func TestManager_NewerObservationWinsWhenOverlapping(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	kv := &gatedKV{KVStore: newKV(t), entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(ctx, NewStore(ctx, kv, WithClock(clock.Now)), kv, WithManagerClock(clock.Now))

	at := clock.Now().UnixMilli()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.Observe(ctx, Observation{State: StatePaired, Confidence: 0.9, Seq: 5, At: at})
	}()
	<-kv.entered
	go func() {
		defer wg.Done()
		m.Observe(ctx, Observation{State: StateUnpaired, Confidence: 0.9, Seq: 6, At: at})
	}()
	time.Sleep(50 * time.Millisecond)
	close(kv.release)
	wg.Wait()

	if s, _ := m.Current(); s != StateUnpaired {
		t.Errorf("state = %v, want unpaired (seq 6)", s)
	}
	if m.IsPaired() {
		t.Error("record paired by the older observation")
	}
}

func TestManager_ErrorObservationKeepsRecord(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m, _ := newTestManager(t, clock)

	m.Observe(ctx, Observation{State: StatePaired, Seq: 1, At: clock.Now().UnixMilli()})
	before := m.Store().State()
	clock.Advance(time.Second)
	m.Observe(ctx, Observation{State: StateError, Seq: 2, At: clock.Now().UnixMilli()})

	if s, _ := m.Current(); s != StateError {
		t.Errorf("state = %v, want error", s)
	}
	if m.Store().State() != before {
		t.Error("error observation must not touch the record")
	}
}

func TestManager_ResetPairing(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m, seen := newTestManager(t, clock)

	if err := m.MarkPairingSuccessful(ctx, "https://messages.google.com/web"); err != nil {
		t.Fatal(err)
	}
	if err := m.ResetPairing(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _ := m.Current(); s != StateUnknown {
		t.Errorf("state after reset = %v, want unknown", s)
	}
	if m.IsPaired() {
		t.Error("reset should clear the record")
	}
	last := (*seen)[len(*seen)-1]
	if last != (transition{StatePaired, StateUnknown}) {
		t.Errorf("last transition = %v", last)
	}
}

func TestManager_CheckPairingStatusExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m, _ := newTestManager(t, clock)

	if got := m.CheckPairingStatus(ctx); got != StateUnpaired {
		t.Errorf("no record: %v, want unpaired", got)
	}
	if err := m.MarkPairingSuccessful(ctx, ""); err != nil {
		t.Fatal(err)
	}
	clock.Advance(6 * 24 * time.Hour)
	if got := m.CheckPairingStatus(ctx); got != StatePaired {
		t.Errorf("6 days: %v, want paired", got)
	}
	clock.Advance(2 * 24 * time.Hour)
	if got := m.CheckPairingStatus(ctx); got != StateExpired {
		t.Errorf("8 days: %v, want expired", got)
	}
	if st := m.Status(); st.LastCheck != clock.Now().UnixMilli() || !st.ShowQRCode {
		t.Errorf("status = %+v", st)
	}
}

func TestManager_StatePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	kv := newKV(t)
	st := NewStore(ctx, kv, WithClock(clock.Now))
	m := NewManager(ctx, st, kv, WithManagerClock(clock.Now))
	if err := m.MarkPairingSuccessful(ctx, ""); err != nil {
		t.Fatal(err)
	}

	restarted := NewManager(ctx, NewStore(ctx, kv), kv)
	if s, at := restarted.Current(); s != StatePaired || at != clock.Now().UnixMilli() {
		t.Errorf("restored = %v at %d", s, at)
	}
	if raw, _, _ := kv.Get(ctx, KeyState); raw != "v1:paired" {
		t.Errorf("persisted state = %q", raw)
	}
}

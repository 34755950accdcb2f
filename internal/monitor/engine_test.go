package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/kwatch/internal/activity"
	"github.com/goodtune/kwatch/internal/gateway"
	"github.com/goodtune/kwatch/internal/schedule"
	"github.com/goodtune/kwatch/internal/storage"
	"github.com/goodtune/kwatch/internal/storage/bolt"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	testUser   = "user-1"
	testDevice = "laptop"
	testGroup  = "class-7b"
)

var errUnreachable = errors.New("remote unreachable")

// 2024-01-01 is a Monday.
func monday(clock string) time.Time {
	t, err := time.Parse(time.DateTime, "2024-01-01 "+clock)
	if err != nil {
		panic(err)
	}
	return t
}

func hms(s string) schedule.TimeOfDay {
	t, err := schedule.ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// schoolDay is Monday 09:00-17:00 monitored with a 12:00-13:00 break.
func schoolDay() []schedule.Window {
	return []schedule.Window{
		{ID: "day", GroupID: testGroup, DayOfWeek: time.Monday, Start: hms("09:00"), End: hms("17:00")},
		{ID: "lunch", GroupID: testGroup, DayOfWeek: time.Monday, Start: hms("12:00"), End: hms("13:00"), IsBreak: true},
	}
}

type fakeSub struct {
	remote *fakeRemote
	key    string
	id     int
}

func (s *fakeSub) Close() error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	delete(s.remote.subs[s.key], s.id)
	return nil
}

// fakeRemote is an in-memory remote store that can be taken offline.
type fakeRemote struct {
	mu       sync.Mutex
	offline  bool
	windows  []schedule.Window
	holidays []schedule.Holiday
	sessions map[string]storage.UsageSession
	closes   map[string]int
	subs     map[string]map[int]func()
	nextSub  int
}

func newFakeRemote(windows []schedule.Window) *fakeRemote {
	return &fakeRemote{
		windows:  windows,
		sessions: make(map[string]storage.UsageSession),
		closes:   make(map[string]int),
		subs:     make(map[string]map[int]func()),
	}
}

func (r *fakeRemote) setOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

func (r *fakeRemote) FetchSchedules(_ context.Context, groupIDs []string) ([]schedule.Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, errUnreachable
	}
	var out []schedule.Window
	for _, w := range r.windows {
		for _, g := range groupIDs {
			if w.GroupID == g {
				out = append(out, w)
			}
		}
	}
	return out, nil
}

func (r *fakeRemote) FetchHolidays(_ context.Context, _ []string) ([]schedule.Holiday, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, errUnreachable
	}
	return append([]schedule.Holiday(nil), r.holidays...), nil
}

func (r *fakeRemote) Subscribe(_ context.Context, table, groupID string, onChange func()) (storage.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := table + ":" + groupID
	if r.subs[key] == nil {
		r.subs[key] = make(map[int]func())
	}
	r.nextSub++
	r.subs[key][r.nextSub] = onChange
	return &fakeSub{remote: r, key: key, id: r.nextSub}, nil
}

func (r *fakeRemote) publish(table, groupID string) {
	r.mu.Lock()
	var callbacks []func()
	for _, fn := range r.subs[table+":"+groupID] {
		callbacks = append(callbacks, fn)
	}
	r.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (r *fakeRemote) subscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, subs := range r.subs {
		n += len(subs)
	}
	return n
}

func (r *fakeRemote) UpsertSession(_ context.Context, s storage.UsageSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return errUnreachable
	}
	if existing, ok := r.sessions[s.ID]; ok && !existing.IsOpen() {
		return nil
	}
	if !s.IsOpen() {
		r.closes[s.ID]++
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *fakeRemote) ListOpenSessions(_ context.Context, userID, groupID string) ([]storage.UsageSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, errUnreachable
	}
	var out []storage.UsageSession
	for _, s := range r.sessions {
		if s.UserID == userID && s.GroupID == groupID && s.IsOpen() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *fakeRemote) put(s storage.UsageSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *fakeRemote) session(id string) (storage.UsageSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *fakeRemote) openCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.UserID == testUser && s.GroupID == testGroup && s.IsOpen() {
			n++
		}
	}
	return n
}

func (r *fakeRemote) closeCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes[id]
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

type harness struct {
	engine   *Engine
	remote   *fakeRemote
	gateway  *gateway.Gateway
	queue    *bolt.Queue
	tracker  *activity.Tracker
	notifier *recordingNotifier
	clock    *clockwork.FakeClock
}

func newHarness(t *testing.T, remote *fakeRemote, start time.Time, evaluator Evaluator) *harness {
	t.Helper()

	queue, err := bolt.Open(filepath.Join(t.TempDir(), "queue.bolt"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close() })

	clock := clockwork.NewFakeClockAt(start)
	gw := gateway.New(remote, queue, gateway.Config{
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		MaxAttempts:        3,
		BreakerMaxFailures: 1000,
	}, zerolog.Nop())
	tracker := activity.NewTracker(activity.Config{ActivityGap: 2 * time.Second, SampleInterval: time.Second})
	notifier := &recordingNotifier{}

	engine := New(Deps{
		Remote:    remote,
		Gateway:   gw,
		Tracker:   tracker,
		Evaluator: evaluator,
		Notifier:  notifier,
		Clock:     clock,
	}, Config{
		UserID:             testUser,
		DeviceID:           testDevice,
		Groups:             []string{testGroup},
		ViolationThreshold: 15 * time.Second,
		SampleInterval:     time.Second,
		Location:           time.UTC,
	}, zerolog.Nop())

	return &harness{
		engine:   engine,
		remote:   remote,
		gateway:  gw,
		queue:    queue,
		tracker:  tracker,
		notifier: notifier,
		clock:    clock,
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = h.engine.Stop(context.Background()) })
}

// activeSecond simulates one second of continuous use ending at now.
func (h *harness) activeSecond(now time.Time) {
	h.tracker.RecordInteraction(now)
	h.tracker.Sample(now)
	h.engine.Tick(context.Background(), now, "test")
}

// idleSecond simulates one sampling tick with no interaction.
func (h *harness) idleSecond(now time.Time) {
	h.tracker.Sample(now)
	h.engine.Tick(context.Background(), now, "test")
}

func (h *harness) group() GroupStatus {
	return h.engine.Status().Groups[0]
}

// advanceTo moves the fake clock forward to at.
func (h *harness) advanceTo(at time.Time) {
	if d := at.Sub(h.clock.Now()); d > 0 {
		h.clock.Advance(d)
	}
}

// waitForState polls until the group reaches state.
func (h *harness) waitForState(t *testing.T, state string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.group().State != state && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := h.group().State; got != state {
		t.Fatalf("Expected group state %q, got %q", state, got)
	}
}

func TestThresholdOpensOnSixteenthSecond(t *testing.T) {
	base := monday("14:00:00")
	h := newHarness(t, newFakeRemote(schoolDay()), base, nil)
	h.start(t)

	for i := 1; i <= 15; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
		if h.group().State != "idle" {
			t.Fatalf("Session opened early at second %d", i)
		}
	}

	h.activeSecond(base.Add(16 * time.Second))
	gs := h.group()
	if gs.State != "active" {
		t.Fatal("Expected session to open on the 16th second")
	}
	if !gs.SessionStart.Equal(base.Add(16 * time.Second)) {
		t.Fatalf("Expected start 14:00:16, got %v", gs.SessionStart)
	}

	stored, ok := h.remote.session(gs.SessionID)
	if !ok || !stored.IsOpen() || stored.DeviceID != testDevice {
		t.Fatalf("Expected open session in remote store, got %+v", stored)
	}

	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("Expected one violation notification, got %d", h.notifier.count())
	}
}

func TestBreakWindowNeverOpens(t *testing.T) {
	base := monday("12:30:00")
	h := newHarness(t, newFakeRemote(schoolDay()), base, nil)
	h.start(t)

	for i := 1; i <= 20; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
	}
	if h.group().State != "idle" || h.group().Monitored {
		t.Fatalf("Expected idle and unmonitored during break, got %+v", h.group())
	}
	if h.remote.openCount() != 0 {
		t.Fatal("Expected no session during break")
	}
}

func TestNoScheduleFailsClosed(t *testing.T) {
	base := monday("14:00:00")
	remote := newFakeRemote(schoolDay())
	remote.setOffline(true)
	h := newHarness(t, remote, base, nil)
	h.start(t)
	remote.setOffline(false)

	// Schedules never loaded: nothing is monitored
	for i := 1; i <= 20; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
	}
	if h.remote.openCount() != 0 {
		t.Fatal("Expected no session without loaded schedules")
	}

	if err := h.engine.RefreshSchedules(context.Background()); err != nil {
		t.Fatalf("RefreshSchedules failed: %v", err)
	}
	h.activeSecond(base.Add(21 * time.Second))
	if h.group().State != "active" {
		t.Fatal("Expected session once schedules are loaded")
	}
}

func TestTickIsIdempotent(t *testing.T) {
	base := monday("14:00:00")
	h := newHarness(t, newFakeRemote(schoolDay()), base, nil)
	h.start(t)

	var now time.Time
	for i := 1; i <= 16; i++ {
		now = base.Add(time.Duration(i) * time.Second)
		h.activeSecond(now)
	}
	id := h.group().SessionID

	// Timer and activity ticks landing together
	h.engine.Tick(context.Background(), now, "pulse")
	h.engine.Tick(context.Background(), now, "wake")
	if h.group().SessionID != id || h.remote.openCount() != 1 {
		t.Fatal("Repeated ticks must not open a second session")
	}

	// Activity stops; two ticks after the gap close exactly once
	idle := now.Add(3 * time.Second)
	h.idleSecond(idle)
	h.engine.Tick(context.Background(), idle, "pulse")
	if h.group().State != "idle" {
		t.Fatal("Expected session closed after inactivity")
	}
	if h.remote.closeCount(id) != 1 {
		t.Fatalf("Expected exactly one close, got %d", h.remote.closeCount(id))
	}
	closed, _ := h.remote.session(id)
	if !closed.EndTime.Equal(idle) || *closed.DurationSeconds != 3 {
		t.Fatalf("Unexpected close values: %+v", closed)
	}
}

func TestActiveSessionRefreshesDuration(t *testing.T) {
	base := monday("14:00:00")
	h := newHarness(t, newFakeRemote(schoolDay()), base, nil)
	h.start(t)

	for i := 1; i <= 31; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
	}
	stored, _ := h.remote.session(h.group().SessionID)
	if !stored.IsOpen() {
		t.Fatal("Refresh must not close the session")
	}
	if *stored.DurationSeconds != 15 {
		t.Fatalf("Expected refreshed duration 15, got %d", *stored.DurationSeconds)
	}
}

func TestWindowEndClosesSession(t *testing.T) {
	base := monday("16:59:30")
	evaluator, err := schedule.NewEvaluator(16)
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	h := newHarness(t, newFakeRemote(schoolDay()), base, evaluator)
	h.start(t)

	var id string
	for i := 1; i <= 31; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
		if i == 16 {
			id = h.group().SessionID
		}
	}
	if id == "" {
		t.Fatal("Expected a session before the window ended")
	}
	// 17:00:00 is still inside the window, 17:00:01 is not
	if h.group().State != "idle" {
		t.Fatal("Expected session closed at window end")
	}
	closed, _ := h.remote.session(id)
	if closed.IsOpen() || !closed.EndTime.Equal(monday("17:00:01")) {
		t.Fatalf("Expected close at 17:00:01, got %+v", closed)
	}
}

func TestBackgroundClosesImmediately(t *testing.T) {
	base := monday("14:00:00")
	h := newHarness(t, newFakeRemote(schoolDay()), base, nil)
	h.start(t)

	var seen []activity.Visibility
	h.engine.OnVisibility(func(v activity.Visibility) { seen = append(seen, v) })

	for i := 1; i <= 16; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
	}
	id := h.group().SessionID

	hiddenAt := base.Add(16500 * time.Millisecond)
	h.advanceTo(hiddenAt)
	// A shell clock running an hour ahead must not leak into the close
	h.engine.SetVisibility(activity.Background, hiddenAt.Add(time.Hour))
	h.waitForState(t, "idle")

	s, _ := h.remote.session(id)
	if s.IsOpen() {
		t.Fatal("Expected remote session closed")
	}
	if !s.EndTime.Equal(hiddenAt) {
		t.Fatalf("Expected close at engine time %v, got %v", hiddenAt, *s.EndTime)
	}
	if len(seen) != 1 || seen[0] != activity.Background {
		t.Fatalf("Expected visibility listener call, got %v", seen)
	}
}

func TestConnectivityDropScenario(t *testing.T) {
	base := monday("14:00:00")
	remote := newFakeRemote(schoolDay())
	h := newHarness(t, remote, base, nil)
	h.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gwDone := make(chan error, 1)
	go func() { gwDone <- h.gateway.Run(ctx) }()

	now := base
	for i := 1; i <= 16; i++ {
		now = base.Add(time.Duration(i) * time.Second)
		h.activeSecond(now)
	}
	id := h.group().SessionID

	// The network goes first; the refresh at +15s cannot be written
	remote.setOffline(true)
	for i := 17; i <= 31; i++ {
		now = base.Add(time.Duration(i) * time.Second)
		h.activeSecond(now)
	}
	entries, err := h.queue.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != storage.EventUpdate {
		t.Fatalf("Expected one queued update, got %+v", entries)
	}

	// Connectivity loss is reported and closes the session
	dropAt := now.Add(500 * time.Millisecond)
	h.advanceTo(dropAt)
	h.engine.SetConnectivity(false, dropAt)
	h.waitForState(t, "idle")
	entries, _ = h.queue.List(context.Background())
	if len(entries) != 1 || entries[0].Session.IsOpen() {
		t.Fatalf("Expected the close coalesced into the pending entry, got %+v", entries)
	}

	// Still offline: activity must not open a new session
	for i := 32; i <= 60; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
	}
	if h.group().State != "idle" {
		t.Fatal("Expected no session while offline")
	}

	// 30s later the network is back
	remote.setOffline(false)
	h.engine.SetConnectivity(true, dropAt.Add(30*time.Second))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := h.queue.Count(context.Background()); n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n, _ := h.queue.Count(context.Background()); n != 0 {
		t.Fatalf("Expected queue flushed after reconnect, got %d entries", n)
	}

	stored, ok := remote.session(id)
	if !ok {
		t.Fatal("Expected session in remote store")
	}
	wantEnd := dropAt
	wantDuration := storage.ElapsedSeconds(base.Add(16*time.Second), dropAt)
	if stored.IsOpen() || !stored.EndTime.Equal(wantEnd) || *stored.DurationSeconds != wantDuration {
		t.Fatalf("Remote session %+v does not match local close at %v (%ds)", stored, wantEnd, wantDuration)
	}
	cancel()
	<-gwDone
}

func TestActivitySignalsDoNotWaitForTick(t *testing.T) {
	base := monday("14:00:00")
	h := newHarness(t, newFakeRemote(schoolDay()), base, nil)
	h.start(t)

	for i := 1; i <= 16; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
	}

	h.advanceTo(base.Add(17 * time.Second))

	// Hold the engine as a slow remote write inside a tick would
	h.engine.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.RecordInteraction(base.Add(17 * time.Second))
		h.engine.SetVisibility(activity.Background, base.Add(17*time.Second))
		h.engine.SetConnectivity(false, base.Add(17*time.Second))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.engine.mu.Unlock()
		t.Fatal("Expected activity signals to return while a tick is in progress")
	}
	h.engine.mu.Unlock()

	h.waitForState(t, "idle")
}

func TestStartReconcilesStaleSessions(t *testing.T) {
	base := monday("14:00:00")
	remote := newFakeRemote(schoolDay())

	stale := storage.UsageSession{
		ID: "stale", UserID: testUser, GroupID: testGroup, DeviceID: testDevice,
		StartTime: monday("13:00:00"),
	}
	duration := int64(120)
	stale.DurationSeconds = &duration
	remote.put(stale)

	otherDevice := stale
	otherDevice.ID = "phone-session"
	otherDevice.DeviceID = "phone"
	remote.put(otherDevice)

	h := newHarness(t, remote, base, nil)
	h.start(t)

	closed, _ := remote.session("stale")
	if closed.IsOpen() {
		t.Fatal("Expected stale session closed at start")
	}
	if !closed.EndTime.Equal(monday("13:02:00")) || *closed.DurationSeconds != 120 {
		t.Fatalf("Expected close at start plus last duration, got %+v", closed)
	}
	if s, _ := remote.session("phone-session"); !s.IsOpen() {
		t.Fatal("Sessions from other devices must be left alone")
	}
}

func TestReconcileBeforeOpenWhenStartCouldNot(t *testing.T) {
	base := monday("14:00:00")
	remote := newFakeRemote(schoolDay())
	last := int64(30)
	remote.put(storage.UsageSession{
		ID: "orphan", UserID: testUser, GroupID: testGroup, DeviceID: testDevice,
		StartTime: monday("10:00:00"), DurationSeconds: &last,
	})

	h := newHarness(t, remote, base, nil)
	remote.setOffline(true)
	h.start(t)
	remote.setOffline(false)
	if err := h.engine.RefreshSchedules(context.Background()); err != nil {
		t.Fatalf("RefreshSchedules failed: %v", err)
	}
	if s, _ := remote.session("orphan"); !s.IsOpen() {
		t.Fatal("Orphan should still be open while reconciliation was deferred")
	}

	for i := 1; i <= 16; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
	}
	if h.group().State != "active" {
		t.Fatal("Expected a new session")
	}
	if s, _ := remote.session("orphan"); s.IsOpen() {
		t.Fatal("Expected the orphan closed before the new session opened")
	}
	if remote.openCount() != 1 {
		t.Fatalf("Expected exactly one open session, got %d", remote.openCount())
	}
}

func TestStopClosesSessionAndIgnoresLaterTicks(t *testing.T) {
	base := monday("14:00:00")
	h := newHarness(t, newFakeRemote(schoolDay()), base, nil)
	h.start(t)

	for i := 1; i <= 20; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
	}
	id := h.group().SessionID

	h.clock.Advance(20 * time.Second)
	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	closed, _ := h.remote.session(id)
	if closed.IsOpen() || !closed.EndTime.Equal(base.Add(20*time.Second)) {
		t.Fatalf("Expected close at stop time, got %+v", closed)
	}
	if h.remote.subscriberCount() != 0 {
		t.Fatal("Expected change feeds closed on stop")
	}

	// A stray tick from a late timer must not revive the engine
	for i := 21; i <= 40; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
	}
	if h.remote.openCount() != 0 || h.engine.Running() {
		t.Fatal("Stopped engine opened a session")
	}

	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, newFakeRemote(schoolDay()), monday("14:00:00"), nil)
	h.start(t)
	if err := h.engine.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("Expected ErrRunning, got %v", err)
	}
}

func TestChangeFeedTriggersRefresh(t *testing.T) {
	base := monday("12:30:00")
	remote := newFakeRemote(schoolDay())
	h := newHarness(t, remote, base, nil)
	h.start(t)

	before := h.engine.Schedules().Version

	// The break is removed remotely
	remote.mu.Lock()
	remote.windows = remote.windows[:1]
	remote.mu.Unlock()
	remote.publish(storage.TableScheduleWindows, testGroup)

	deadline := time.Now().Add(2 * time.Second)
	for h.engine.Schedules().Version == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	set := h.engine.Schedules()
	if set.Version == before || len(set.Windows) != 1 {
		t.Fatalf("Expected refreshed schedules, got version %d with %d windows", set.Version, len(set.Windows))
	}

	for i := 1; i <= 16; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
	}
	if h.group().State != "active" {
		t.Fatal("Expected monitoring once the break was removed")
	}
}

func TestSamplerDrivesTicks(t *testing.T) {
	base := monday("14:00:00")
	h := newHarness(t, newFakeRemote(schoolDay()), base, nil)
	h.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 1; i <= 16; i++ {
		// sampler and refresh loop tickers
		if err := h.clock.BlockUntilContext(ctx, 2); err != nil {
			t.Fatalf("engine loops not waiting: %v", err)
		}
		h.engine.RecordInteraction(h.clock.Now().Add(time.Second))
		h.clock.Advance(time.Second)

		want := time.Duration(i) * time.Second
		for h.tracker.ConsecutiveActive() < want && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
	}

	for h.group().State != "active" && ctx.Err() == nil {
		time.Sleep(time.Millisecond)
	}
	if h.group().State != "active" {
		t.Fatal("Expected the sampling loop to open a session")
	}
}

func TestNotificationFailureDoesNotAffectSession(t *testing.T) {
	base := monday("14:00:00")
	h := newHarness(t, newFakeRemote(schoolDay()), base, nil)
	h.notifier.err = errors.New("no display")
	h.start(t)

	for i := 1; i <= 16; i++ {
		h.activeSecond(base.Add(time.Duration(i) * time.Second))
	}
	if h.group().State != "active" {
		t.Fatal("Expected session despite notification failure")
	}
}

package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/trellisdev/trellis/internal/auth"
	"github.com/trellisdev/trellis/internal/store"
	"github.com/trellisdev/trellis/internal/task"
)

// fakeRefresher hands back canned refresh results.
type fakeRefresher struct {
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(ctx context.Context, creds *auth.Credentials) (*auth.Credentials, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Credentials{
		Identity:     creds.Identity,
		AccessToken:  "refreshed",
		RefreshToken: creds.RefreshToken,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

// setupCoordinator wires a coordinator over the engine harness, signed in as
// alice with a token valid for expiresIn.
func setupCoordinator(t *testing.T, refresher auth.Refresher, expiresIn time.Duration) (*Coordinator, *fakeRemote, *coordFixture) {
	t.Helper()

	st, f, client := setupEngine(t)

	mgr, err := auth.NewManager(t.TempDir(), refresher, testLogger(t))
	if err != nil {
		t.Fatalf("failed to create auth manager: %v", err)
	}
	if err := mgr.SetCredentials(&auth.Credentials{
		Identity:     "alice",
		AccessToken:  "tok",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(expiresIn),
	}); err != nil {
		t.Fatalf("failed to set credentials: %v", err)
	}

	coord := NewCoordinator(st,
		NewPusher(st, client, testLogger(t)),
		NewPuller(st, client, testLogger(t)),
		mgr,
		&Config{
			DebounceInterval: 30 * time.Millisecond,
			PullInterval:     time.Hour,
			Logger:           testLogger(t),
		},
	)
	t.Cleanup(coord.Stop)

	return coord, f, &coordFixture{store: st, auth: mgr}
}

type coordFixture struct {
	store *store.Store
	auth  *auth.Manager
}

func TestSyncNowRoundTrip(t *testing.T) {
	coord, f, fx := setupCoordinator(t, &fakeRefresher{}, time.Hour)

	tk := &task.Task{Name: "push me", CreatedAt: time.Now()}
	if err := fx.store.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if err := coord.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	if !f.hasTask(tk.SyncID) {
		t.Error("task not pushed during manual sync")
	}

	state, lastErr := coord.State()
	if state != StateIdle || lastErr != nil {
		t.Errorf("state after success = %s (%v), want idle", state, lastErr)
	}

	// The first pass for an identity seeds the migration flag.
	migrated, err := fx.store.Migrated(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Migrated failed: %v", err)
	}
	if !migrated {
		t.Error("first sync did not record the migration")
	}
}

func TestSyncNowBusy(t *testing.T) {
	coord, _, _ := setupCoordinator(t, &fakeRefresher{}, time.Hour)

	if !coord.begin(false) {
		t.Fatal("begin failed on idle coordinator")
	}
	defer coord.finish(nil)

	if err := coord.SyncNow(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestDebounceCoalescesMutations(t *testing.T) {
	coord, f, fx := setupCoordinator(t, &fakeRefresher{}, time.Hour)

	for i := 0; i < 5; i++ {
		tk := &task.Task{Name: "burst", CreatedAt: time.Now()}
		if err := fx.store.CreateTask(tk); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		coord.NotifyMutation()
		time.Sleep(5 * time.Millisecond)
	}

	// One debounce window after the last mutation, one push pass fires and
	// carries the whole burst.
	deadline := time.Now().Add(2 * time.Second)
	for f.taskCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if f.taskCount() != 5 {
		t.Fatalf("remote task count = %d, want 5", f.taskCount())
	}

	f.mu.Lock()
	batches := f.batches
	f.mu.Unlock()
	if batches != 1 {
		t.Errorf("push passes = %d, want 1 (burst must coalesce)", batches)
	}
}

func TestExpiredTokenRefreshedBeforePass(t *testing.T) {
	refresher := &fakeRefresher{}
	coord, _, _ := setupCoordinator(t, refresher, -time.Minute)

	if err := coord.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	if refresher.calls == 0 {
		t.Error("expired token was not refreshed before the pass")
	}
}

func TestTransientRefreshFailureKeepsCredentials(t *testing.T) {
	refresher := &fakeRefresher{err: &auth.RefreshError{Permanent: false, Err: errors.New("dns down")}}
	coord, _, fx := setupCoordinator(t, refresher, -time.Minute)

	err := coord.SyncNow(context.Background())
	if err == nil {
		t.Fatal("expected sync to fail")
	}

	state, lastErr := coord.State()
	if state != StateError || lastErr == nil {
		t.Errorf("state = %s (%v), want error", state, lastErr)
	}

	// Credentials survive; the next cycle simply retries.
	if !fx.auth.SignedIn() {
		t.Error("transient refresh failure cleared credentials")
	}
	if coord.Halted() {
		t.Error("transient failure halted scheduling")
	}
}

func TestPermanentRefreshFailureHaltsScheduling(t *testing.T) {
	refresher := &fakeRefresher{err: &auth.RefreshError{Permanent: true, Err: errors.New("grant revoked")}}
	coord, _, fx := setupCoordinator(t, refresher, -time.Minute)

	if err := coord.SyncNow(context.Background()); err == nil {
		t.Fatal("expected sync to fail")
	}

	if fx.auth.SignedIn() {
		t.Error("revocation did not sign out")
	}
	if !coord.Halted() {
		t.Error("revocation did not halt scheduling")
	}

	// Halted coordinator refuses passes until re-auth.
	if err := coord.SyncNow(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("halted SyncNow = %v, want ErrBusy", err)
	}
}

func TestResumeSchedulingAfterSignIn(t *testing.T) {
	refresher := &fakeRefresher{err: &auth.RefreshError{Permanent: true, Err: errors.New("revoked")}}
	coord, f, fx := setupCoordinator(t, refresher, -time.Minute)

	_ = coord.SyncNow(context.Background())
	if !coord.Halted() {
		t.Fatal("expected coordinator to halt")
	}

	// A fresh sign-in lands (the watcher would trigger this call).
	refresher.err = nil
	if err := fx.auth.SetCredentials(&auth.Credentials{
		Identity:     "alice",
		AccessToken:  "tok2",
		RefreshToken: "refresh2",
		Expiry:       time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("SetCredentials failed: %v", err)
	}
	if err := coord.ResumeScheduling(); err != nil {
		t.Fatalf("ResumeScheduling failed: %v", err)
	}

	if coord.Halted() {
		t.Error("still halted after resume")
	}

	tk := &task.Task{Name: "back online", CreatedAt: time.Now()}
	if err := fx.store.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := coord.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow after resume failed: %v", err)
	}
	if !f.hasTask(tk.SyncID) {
		t.Error("task not pushed after resume")
	}
}

func TestPendingPushRunsAfterFailedPass(t *testing.T) {
	coord, f, fx := setupCoordinator(t, &fakeRefresher{}, time.Hour)

	if !coord.begin(false) {
		t.Fatal("begin failed")
	}

	tk := &task.Task{Name: "queued behind failing pass", CreatedAt: time.Now()}
	if err := fx.store.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	coord.runPush(context.Background())

	// The in-flight pass fails transiently; the pending push must still run,
	// since nothing else schedules one on a quiet device.
	coord.finish(errors.New("connection reset"))

	deadline := time.Now().Add(2 * time.Second)
	for !f.hasTask(tk.SyncID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !f.hasTask(tk.SyncID) {
		t.Error("pending push dropped after failed pass")
	}
}

func TestStateChangeHookObservesTransitions(t *testing.T) {
	coord, _, _ := setupCoordinator(t, &fakeRefresher{}, time.Hour)

	var (
		mu     gosync.Mutex
		states []State
	)
	coord.OnStateChange(func(s State, lastErr error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := coord.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateSyncing || states[1] != StateIdle {
		t.Errorf("observed transitions = %v, want [syncing idle]", states)
	}
}

func TestPendingPushRunsAfterInFlightPass(t *testing.T) {
	coord, f, fx := setupCoordinator(t, &fakeRefresher{}, time.Hour)

	// Occupy the guard, then request a push; it must be recorded, not lost.
	if !coord.begin(false) {
		t.Fatal("begin failed")
	}

	tk := &task.Task{Name: "queued behind pass", CreatedAt: time.Now()}
	if err := fx.store.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	coord.runPush(context.Background())

	coord.mu.Lock()
	pending := coord.pendingPush
	coord.mu.Unlock()
	if !pending {
		t.Fatal("push during in-flight pass not recorded as pending")
	}

	// Finishing the pass consumes the pending push.
	coord.finish(nil)

	deadline := time.Now().Add(2 * time.Second)
	for !f.hasTask(tk.SyncID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !f.hasTask(tk.SyncID) {
		t.Error("pending push never ran")
	}
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/trellisdev/trellis/internal/auth"
	"github.com/trellisdev/trellis/internal/store"
)

// State is the coordinator's observable condition.
type State string

const (
	// StateIdle means no sync pass is in flight.
	StateIdle State = "idle"
	// StateSyncing means a push or pull pass is running.
	StateSyncing State = "syncing"
	// StateError means the last pass failed; the next scheduled attempt
	// retries.
	StateError State = "error"
)

// ErrBusy is returned by SyncNow when a pass is already in flight.
var ErrBusy = errors.New("sync: pass already in progress")

// Config holds coordinator tuning.
type Config struct {
	// DebounceInterval is how long after the last local mutation the push
	// fires. Each new mutation resets the delay, coalescing bursts such as
	// a bulk insert into a single push.
	DebounceInterval time.Duration

	// PullInterval is the period of the background pull timer.
	PullInterval time.Duration

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 2 * time.Second,
		PullInterval:     5 * time.Minute,
		Logger:           log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Coordinator owns the token lifecycle, debounce and periodic scheduling,
// and mutual exclusion between push and pull.
//
// Push and pull never run concurrently against the same credentials: a
// boolean guard admits one pass at a time. A push request arriving during a
// pass sets a pending flag consumed immediately after the in-flight pass
// finishes; a pull request arriving during a pass is dropped, since the
// periodic timer will retry. Reads proceed concurrently throughout.
type Coordinator struct {
	store  *store.Store
	pusher *Pusher
	puller *Puller
	auth   *auth.Manager
	config *Config

	onStateChange func(State, error)

	mu          sync.Mutex
	state       State
	lastErr     error
	pendingPush bool
	halted      bool
	debounce    *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator wires the coordinator. A nil config uses defaults.
func NewCoordinator(st *store.Store, pusher *Pusher, puller *Puller, authMgr *auth.Manager, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		store:  st,
		pusher: pusher,
		puller: puller,
		auth:   authMgr,
		config: config,
		state:  StateIdle,
		halted: !authMgr.SignedIn(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnStateChange registers a hook invoked after every state transition with
// the new state and the error from the last failed pass, if any. Must be set
// before Start; the hook runs outside the coordinator's lock and may call
// State.
func (c *Coordinator) OnStateChange(fn func(State, error)) {
	c.onStateChange = fn
}

// Start launches the periodic pull timer. Returns immediately.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.pullLoop()
}

// Stop cancels scheduling and waits for background goroutines. An in-flight
// pass runs to completion; there is no mid-pass cancellation.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// State returns the current state and the error from the last failed pass,
// if any.
func (c *Coordinator) State() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

// Halted reports whether scheduling is stopped pending re-authentication.
func (c *Coordinator) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// NotifyMutation schedules a debounced push. Each call resets the delay, so
// a burst of mutations produces a single push pass.
func (c *Coordinator) NotifyMutation() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted {
		return
	}

	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(c.config.DebounceInterval, func() {
		c.runPush(c.ctx)
	})
}

// SyncNow runs push then pull sequentially as one manual pass. Returns
// ErrBusy if a pass is already in flight.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	if !c.begin(false) {
		return ErrBusy
	}

	err := c.pass(ctx, true, true)
	c.finish(err)
	return err
}

// ResumeScheduling clears the halted flag after re-authentication, reloading
// credentials first. Called when the credentials watcher observes a fresh
// sign-in.
func (c *Coordinator) ResumeScheduling() error {
	if err := c.auth.Reload(); err != nil {
		return err
	}

	c.mu.Lock()
	c.halted = false
	c.lastErr = nil
	if c.state == StateError {
		c.state = StateIdle
	}
	state := c.state
	c.mu.Unlock()

	c.notifyState(state, nil)
	c.config.Logger.Println("Credentials updated, scheduling resumed")
	return nil
}

// pullLoop fires the periodic pull.
func (c *Coordinator) pullLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.runPull(c.ctx)
		}
	}
}

// runPush executes one push pass, or records it as pending if another pass
// is in flight.
func (c *Coordinator) runPush(ctx context.Context) {
	if !c.begin(true) {
		return
	}

	err := c.pass(ctx, true, false)
	c.finish(err)
}

// runPull executes one pull pass. Dropped silently when another pass is in
// flight; the periodic timer retries.
func (c *Coordinator) runPull(ctx context.Context) {
	if !c.begin(false) {
		return
	}

	err := c.pass(ctx, false, true)
	c.finish(err)
}

// begin attempts the idle -> syncing transition. For push requests a losing
// race sets the pending flag instead.
func (c *Coordinator) begin(isPush bool) bool {
	c.mu.Lock()

	if c.halted {
		c.mu.Unlock()
		return false
	}
	if c.state == StateSyncing {
		if isPush {
			c.pendingPush = true
		}
		c.mu.Unlock()
		return false
	}
	c.state = StateSyncing
	c.mu.Unlock()

	c.notifyState(StateSyncing, nil)
	return true
}

// notifyState fires the state-change hook, if configured.
func (c *Coordinator) notifyState(state State, lastErr error) {
	if c.onStateChange != nil {
		c.onStateChange(state, lastErr)
	}
}

// finish completes the syncing -> idle/error transition and consumes a
// pending push if one accumulated during the pass.
func (c *Coordinator) finish(err error) {
	c.mu.Lock()
	if err != nil {
		c.state = StateError
		c.lastErr = err
		if auth.IsPermanent(err) || errors.Is(err, auth.ErrSignedOut) {
			// The auth manager already cleared revoked credentials;
			// stop scheduling until a new sign-in arrives.
			c.halted = true
			c.config.Logger.Printf("Scheduling halted: %v", err)
		} else {
			c.config.Logger.Printf("Sync pass failed: %v", err)
		}
	} else {
		c.state = StateIdle
		c.lastErr = nil
	}

	// A pending push is consumed no matter how the pass ended, as long as
	// scheduling is still alive. The mutations behind it are durable in the
	// outbox, but nothing else would schedule a push for them on a quiet
	// device.
	rerun := c.pendingPush && !c.halted
	c.pendingPush = false
	state, lastErr := c.state, c.lastErr
	c.mu.Unlock()

	c.notifyState(state, lastErr)

	if rerun {
		c.runPush(c.ctx)
	}
}

// pass runs the requested engines under a fresh token. The token is
// refreshed first if expired or within the safety margin; a transient
// refresh failure aborts the pass without touching stored credentials.
func (c *Coordinator) pass(ctx context.Context, push, pull bool) error {
	if err := c.auth.EnsureFresh(ctx); err != nil {
		return err
	}

	identity := c.auth.Identity()
	if identity == "" {
		return auth.ErrSignedOut
	}

	if push {
		if err := c.ensureMigrated(ctx, identity); err != nil {
			return err
		}
		if err := c.pusher.Push(ctx); err != nil {
			return fmt.Errorf("push: %w", err)
		}
	}
	if pull {
		if err := c.puller.Pull(ctx, identity); err != nil {
			return fmt.Errorf("pull: %w", err)
		}
	}

	return nil
}

// ensureMigrated seeds the remote store on the first sync for an identity
// by flagging every local row pending. The one-time flag is set in the same
// pass; the rows stay pending until the push confirms them, so a failed
// first push simply retries.
func (c *Coordinator) ensureMigrated(ctx context.Context, identity string) error {
	migrated, err := c.store.Migrated(ctx, identity)
	if err != nil {
		return err
	}
	if migrated {
		return nil
	}

	c.config.Logger.Printf("First sync for %s: seeding remote store", identity)
	if err := c.store.MarkAllPending(ctx); err != nil {
		return err
	}
	return c.store.SetMigrated(ctx, identity)
}

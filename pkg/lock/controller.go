// Package lock implements the lock state machine that gates the note key.
//
//	Locked --SubmitPassword--> Unlocking --ok--> Unlocked
//	Unlocking --invalid password--> Locked
//	Unlocked --Lock | idle timeout--> Relocking --key discarded--> Locked
//
// The Controller is the only writer of the state. Password submissions,
// password changes and rotations are serialized so two KDF runs never race
// against a half-updated key record.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/forest6511/foilnotes/pkg/keystore"
)

// Errors
var (
	ErrLocked               = keystore.ErrLocked
	ErrAlreadyUnlocked      = errors.New("lock: already unlocked")
	ErrBusy                 = errors.New("lock: transition in progress")
	ErrThrottled            = errors.New("lock: too many unlock attempts, try again later")
	ErrRotationNotConfirmed = errors.New("lock: key rotation must be explicitly confirmed")
)

// DefaultAutoLock is the default idle timeout.
const DefaultAutoLock = 5 * time.Minute

// AutoLockDisabled never locks on idle.
const AutoLockDisabled time.Duration = -1

// subscriberBuffer is the per-subscriber event buffer. Events are dropped
// for subscribers that fall this far behind.
const subscriberBuffer = 16

// Confirmation acknowledges that rotating the key makes every existing
// encrypted note permanently unreadable.
type Confirmation int

const (
	NotConfirmed Confirmation = iota
	ConfirmRotation
)

// Observer receives unlock and lock outcomes. internal/metrics implements it.
type Observer interface {
	ObserveUnlock(result string)
	ObserveLock(reason string)
}

// Auditor records key lifecycle events. Calls are made under the
// controller's lock while the affected key is still open; implementations
// must not call back into the Controller. *audit.Logger implements it.
type Auditor interface {
	KeyUnlocked(h *keystore.KeyHandle)
	UnlockFailed()
	KeyLocking(reason string)
	PasswordChanged()
	KeyRotated(next *keystore.KeyHandle, keySizeBits int)
}

// Options configure a Controller.
type Options struct {
	// AutoLock is the idle timeout. Zero locks immediately on Trigger,
	// negative disables auto-lock.
	AutoLock time.Duration

	// UnlockInterval, when positive, throttles password submissions to
	// one per interval with a burst of UnlockBurst.
	UnlockInterval time.Duration
	UnlockBurst    int

	Logger   *slog.Logger
	Observer Observer
	Auditor  Auditor
}

// Controller owns the lock state.
type Controller struct {
	keys    *keystore.KeyStore
	records keystore.RecordStore
	logger  *slog.Logger
	obs     Observer
	audit   Auditor
	limiter *rate.Limiter

	// sem serializes key operations; a channel so waiters honour ctx.
	sem chan struct{}

	mu       sync.Mutex
	state    State
	attempts int
	autoLock time.Duration
	timer    *time.Timer
	timerGen uint64
	subs     map[int]chan Event
	nextSub  int
}

// New creates a Controller in the Locked state.
func New(keys *keystore.KeyStore, records keystore.RecordStore, opts Options) *Controller {
	c := &Controller{
		keys:     keys,
		records:  records,
		logger:   opts.Logger,
		obs:      opts.Observer,
		audit:    opts.Auditor,
		sem:      make(chan struct{}, 1),
		autoLock: opts.AutoLock,
		subs:     make(map[int]chan Event),
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if opts.UnlockInterval > 0 {
		burst := opts.UnlockBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Every(opts.UnlockInterval), burst)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of failed password submissions since the
// last successful unlock.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// AutoLock returns the configured idle timeout.
func (c *Controller) AutoLock() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoLock
}

// SetAutoLock changes the idle timeout and re-arms the timer if unlocked.
func (c *Controller) SetAutoLock(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoLock = d
	if c.state == Unlocked {
		c.armLocked()
	}
}

// SubmitPassword tries to unlock with password. Only valid from Locked.
func (c *Controller) SubmitPassword(ctx context.Context, password []byte) error {
	if c.limiter != nil && !c.limiter.Allow() {
		c.observeUnlock("throttled")
		return ErrThrottled
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	switch c.state {
	case Unlocked:
		c.mu.Unlock()
		return ErrAlreadyUnlocked
	case Unlocking, Relocking:
		c.mu.Unlock()
		return ErrBusy
	}
	c.setStateLocked(Unlocking, ReasonPassword)
	c.mu.Unlock()

	// 1. Load the record and run the KDF outside the state lock
	h, err := c.unlock(ctx, password)

	c.mu.Lock()
	defer c.mu.Unlock()

	// 2. Failure returns to Locked
	if err != nil {
		reason := ReasonNone
		if errors.Is(err, keystore.ErrInvalidPassword) {
			c.attempts++
			reason = ReasonInvalidPassword
			c.observeUnlock("invalid")
			if c.audit != nil {
				c.audit.UnlockFailed()
			}
			c.logger.Warn("unlock failed", "attempts", c.attempts)
		} else {
			c.observeUnlock("error")
			c.logger.Error("unlock failed", "error", err)
		}
		c.setStateLocked(Locked, reason)
		return err
	}

	// 3. Install the key and start the idle timer
	c.keys.Open(h)
	if c.audit != nil {
		c.audit.KeyUnlocked(h)
	}
	c.attempts = 0
	c.setStateLocked(Unlocked, ReasonPassword)
	c.armLocked()
	c.observeUnlock("success")
	c.logger.Info("unlocked")
	return nil
}

// unlock loads the record and unwraps the key. An unreadable record is
// reported as a wrong password so callers cannot tell the two apart.
func (c *Controller) unlock(ctx context.Context, password []byte) (*keystore.KeyHandle, error) {
	rec, err := c.records.LoadKeyRecord(ctx)
	if errors.Is(err, keystore.ErrMalformedRecord) {
		c.logger.Debug("key record unreadable", "error", err)
		return nil, keystore.ErrInvalidPassword
	}
	if err != nil {
		return nil, err
	}
	return c.keys.Unlock(ctx, password, rec)
}

// Lock discards the key. It is a no-op unless Unlocked.
func (c *Controller) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Unlocked {
		c.relockLocked(ReasonExplicit)
	}
}

// Touch reports user activity and restarts the idle timer.
func (c *Controller) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Unlocked {
		c.armLocked()
	}
}

// Trigger reports that the UI went to the background. With a zero
// AutoLock it locks immediately; otherwise the idle timer decides.
func (c *Controller) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Unlocked && c.autoLock == 0 {
		c.relockLocked(ReasonTimeout)
	}
}

// ChangePassword re-wraps the key under newPassword and persists the
// record. Only valid while Unlocked.
func (c *Controller) ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	if c.State() != Unlocked {
		return ErrLocked
	}

	rec, err := c.records.LoadKeyRecord(ctx)
	if err != nil {
		return err
	}
	next, err := c.keys.ChangePassword(ctx, oldPassword, newPassword, rec)
	if err != nil {
		return err
	}
	if err := c.records.SaveKeyRecord(ctx, next); err != nil {
		return fmt.Errorf("lock: failed to save key record: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(Event{From: c.state, To: c.state, Reason: ReasonPasswordChanged, At: time.Now()})
	if c.state == Unlocked {
		if c.audit != nil {
			c.audit.PasswordChanged()
		}
		c.armLocked()
	}
	return nil
}

// RotateKey replaces the key with a new random one of keySizeBits wrapped
// under password, persists it and keeps the controller Unlocked with the
// new key. Every note encrypted under the old key becomes unreadable, so
// confirm must be ConfirmRotation.
func (c *Controller) RotateKey(ctx context.Context, keySizeBits int, password []byte, confirm Confirmation) error {
	if confirm != ConfirmRotation {
		return ErrRotationNotConfirmed
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	if c.State() != Unlocked {
		return ErrLocked
	}

	rec, err := c.keys.RotateKey(ctx, keySizeBits, password)
	if err != nil {
		return err
	}
	h, err := c.keys.Unlock(ctx, password, rec)
	if err != nil {
		return err
	}
	if err := c.records.SaveKeyRecord(ctx, rec); err != nil {
		h.Release()
		return fmt.Errorf("lock: failed to save key record: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Unlocked {
		// Locked while the KDF ran; the new record is saved, stay locked.
		h.Release()
		return nil
	}
	if c.audit != nil {
		c.audit.KeyRotated(h, keySizeBits)
	}
	c.keys.Open(h)
	c.emitLocked(Event{From: Unlocked, To: Unlocked, Reason: ReasonKeyRotated, At: time.Now()})
	c.armLocked()
	c.logger.Warn("key rotated", "key_size_bits", keySizeBits)
	return nil
}

// Subscribe returns a channel of state changes and a cancel function.
// Slow subscribers miss events rather than block the controller.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, subscriberBuffer)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

// Close locks and stops the idle timer.
func (c *Controller) Close() {
	c.Lock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
}

func (c *Controller) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) release() {
	<-c.sem
}

// relockLocked runs Unlocked -> Relocking -> Locked. c.mu must be held.
func (c *Controller) relockLocked(reason Reason) {
	c.setStateLocked(Relocking, reason)
	c.stopTimerLocked()
	if c.audit != nil {
		c.audit.KeyLocking(reason.String())
	}
	c.keys.Lock()
	c.setStateLocked(Locked, reason)
	if c.obs != nil {
		c.obs.ObserveLock(reason.String())
	}
	c.logger.Info("locked", "reason", reason.String())
}

func (c *Controller) setStateLocked(to State, reason Reason) {
	from := c.state
	c.state = to
	c.emitLocked(Event{From: from, To: to, Reason: reason, At: time.Now()})
}

func (c *Controller) emitLocked(ev Event) {
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// armLocked (re)starts the single idle timer. c.mu must be held.
func (c *Controller) armLocked() {
	c.stopTimerLocked()
	if c.autoLock <= 0 {
		return
	}
	gen := c.timerGen
	c.timer = time.AfterFunc(c.autoLock, func() { c.expire(gen) })
}

func (c *Controller) stopTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// expire fires when the idle timer runs out. Stale timers are ignored.
func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.timerGen || c.state != Unlocked {
		return
	}
	c.relockLocked(ReasonTimeout)
}

func (c *Controller) observeUnlock(result string) {
	if c.obs != nil {
		c.obs.ObserveUnlock(result)
	}
}

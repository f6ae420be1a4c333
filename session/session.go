// Package session tracks the time-boxed unlocked state of an owner account.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
)

const (
	// DefaultProlongThreshold is the remaining unlock time below which a
	// foregrounded client asks for prolongation.
	DefaultProlongThreshold = 600 * time.Second

	// MinProlongInterval spaces consecutive prolongation attempts.
	MinProlongInterval = 30 * time.Second
)

// Lifecycle derives the local lock deadline from server-reported unlock
// durations and keeps it alive while the client is in the foreground.
type Lifecycle struct {
	api       interfaces.OwnerAPI
	log       *slog.Logger
	threshold time.Duration
	onLock    func()
	now       func() time.Time

	mu          sync.Mutex
	locksAt     time.Time
	foreground  bool
	lastProlong time.Time
}

func NewLifecycle(api interfaces.OwnerAPI, threshold time.Duration, log *slog.Logger, onLock func()) *Lifecycle {
	if threshold <= 0 {
		threshold = DefaultProlongThreshold
	}
	return &Lifecycle{
		api:        api,
		log:        log,
		threshold:  threshold,
		onLock:     onLock,
		now:        time.Now,
		foreground: true,
	}
}

// Observe updates the lock deadline from an owner state. A state without an
// unlock duration means the server considers the account locked.
func (l *Lifecycle) Observe(state interfaces.OwnerState) {
	var unlockedFor *int64
	if ready, ok := state.(interfaces.ReadyOwnerState); ok {
		unlockedFor = ready.UnlockedForSeconds
	}

	l.mu.Lock()
	if unlockedFor != nil && *unlockedFor > 0 {
		l.locksAt = l.now().Add(time.Duration(*unlockedFor) * time.Second)
		l.mu.Unlock()
		return
	}
	wasUnlocked := !l.locksAt.IsZero()
	l.locksAt = time.Time{}
	l.mu.Unlock()

	if wasUnlocked {
		l.locked()
	}
}

// Unlock re-authenticates with proof.
func (l *Lifecycle) Unlock(ctx context.Context, proof interfaces.AuthProof) (interfaces.OwnerState, error) {
	state, err := l.api.Unlock(ctx, proof)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock: %w", err)
	}
	l.Observe(state)
	return state, nil
}

// UnlockWithPassword derives the password proof for accountID and unlocks.
func (l *Lifecycle) UnlockWithPassword(ctx context.Context, accountID, password string) (interfaces.OwnerState, error) {
	proof := cryptoutils.DerivePasswordProof(password, accountID)
	defer cryptoutils.WipeBytes(proof)
	return l.Unlock(ctx, interfaces.PasswordProof{CryptographicPassword: proof})
}

// Lock ends the session on the server and locally.
func (l *Lifecycle) Lock(ctx context.Context) (interfaces.OwnerState, error) {
	state, err := l.api.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to lock: %w", err)
	}
	l.Observe(state)
	return state, nil
}

// SetForeground records whether the client is in the foreground. Only a
// foregrounded client prolongs its session.
func (l *Lifecycle) SetForeground(foreground bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.foreground = foreground
}

// LocksAt returns the local lock deadline, or the zero time when locked.
func (l *Lifecycle) LocksAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locksAt
}

// Unlocked reports whether now is before the lock deadline.
func (l *Lifecycle) Unlocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.locksAt.IsZero() && l.now().Before(l.locksAt)
}

// RequireUnlocked returns ErrLocked unless the session is unlocked.
func (l *Lifecycle) RequireUnlocked() error {
	if !l.Unlocked() {
		return interfaces.ErrLocked
	}
	return nil
}

// Tick advances the lifecycle against the wall clock and reports whether the
// session is still unlocked. Crossing the deadline locks the session; a
// foregrounded session close to its deadline is prolonged. A failed
// prolongation is logged and the session expires naturally.
func (l *Lifecycle) Tick(ctx context.Context) bool {
	l.mu.Lock()
	if l.locksAt.IsZero() {
		l.mu.Unlock()
		return false
	}
	now := l.now()
	if !now.Before(l.locksAt) {
		l.locksAt = time.Time{}
		l.mu.Unlock()
		l.locked()
		return false
	}
	prolong := l.foreground &&
		l.locksAt.Sub(now) < l.threshold &&
		(l.lastProlong.IsZero() || now.Sub(l.lastProlong) >= MinProlongInterval)
	if prolong {
		l.lastProlong = now
	}
	l.mu.Unlock()

	if prolong {
		state, err := l.api.ProlongUnlock(ctx)
		if err != nil {
			l.log.Warn("Failed to prolong unlock", "err", err)
			return true
		}
		l.Observe(state)
	}
	return l.Unlocked()
}

func (l *Lifecycle) locked() {
	l.log.Info("Session locked")
	if l.onLock != nil {
		l.onLock()
	}
}

package ownerapp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/seedguard/common"
	"github.com/ruteri/seedguard/interfaces"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "user"

// Refresher fetches the user state and feature flags. Poll ticks, push
// triggers and explicit calls all share one in-flight request.
type Refresher struct {
	api      interfaces.OwnerAPI
	state    *common.ProcessState
	log      *slog.Logger
	interval time.Duration

	group   singleflight.Group
	trigger chan struct{}

	mu        sync.RWMutex
	last      *interfaces.UserState
	starters  []func()
	observers []func(context.Context, *interfaces.UserState)
}

func NewRefresher(api interfaces.OwnerAPI, state *common.ProcessState, interval time.Duration, log *slog.Logger) *Refresher {
	return &Refresher{
		api:      api,
		state:    state,
		log:      log,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// OnState registers fn to receive every fetched user state, in order of
// registration.
func (r *Refresher) OnState(fn func(context.Context, *interfaces.UserState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// BeforeFetch registers fn to run when a request starts, before anything is
// sent. Requests never overlap, so fn and the observers of the same request
// run in order.
func (r *Refresher) BeforeFetch(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starters = append(r.starters, fn)
}

// Refresh fetches the current state. Concurrent callers receive the result of
// the same request.
func (r *Refresher) Refresh(ctx context.Context) (*interfaces.UserState, error) {
	v, err, shared := r.group.Do(refreshKey, func() (any, error) {
		return r.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.log.Debug("Coalesced refresh")
	}
	return v.(*interfaces.UserState), nil
}

func (r *Refresher) refresh(ctx context.Context) (*interfaces.UserState, error) {
	r.mu.RLock()
	starters := append([]func(){}, r.starters...)
	r.mu.RUnlock()
	for _, fn := range starters {
		fn()
	}

	flags, err := r.api.GetFeatureFlags(ctx)
	if err != nil {
		r.log.Warn("Failed to fetch feature flags", "err", err)
	} else if r.state.UpdateFlags(flags) {
		r.log.Info("Feature flags changed", slog.Int("maxExternalApprovers", flags.MaxExternalApprovers))
	}

	user, err := r.api.GetUser(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.last = user
	observers := append([]func(context.Context, *interfaces.UserState){}, r.observers...)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(ctx, user)
	}
	return user, nil
}

// Last returns the most recently fetched state, or nil before the first
// successful refresh.
func (r *Refresher) Last() *interfaces.UserState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Trigger asks the running loop for an immediate refresh. Triggers arriving
// while one is queued are merged.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done. Failed refreshes are logged and retried on the
// next tick.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("Refresh failed", "err", err, slog.String("kind", interfaces.KindOf(err).String()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.trigger:
		}
	}
}

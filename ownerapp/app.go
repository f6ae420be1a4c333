// Package ownerapp wires the client-side machines of one device to the signed
// transport and keeps them fed with fresh server state.
package ownerapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/seedguard/access"
	"github.com/ruteri/seedguard/api/clients"
	"github.com/ruteri/seedguard/common"
	"github.com/ruteri/seedguard/config"
	"github.com/ruteri/seedguard/enrollment"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/policy"
	"github.com/ruteri/seedguard/retry"
	"github.com/ruteri/seedguard/session"
	"github.com/ruteri/seedguard/storage"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const sessionTickInterval = time.Second

// App is one device acting as owner of its account and approver for others.
type App struct {
	log *slog.Logger

	Client    *clients.Client
	Keys      *storage.KeyManager
	State     *common.ProcessState
	Scheduler *retry.Scheduler
	Refresher *Refresher

	Session     *session.Lifecycle
	Access      *access.Machine
	Owner       *enrollment.Owner
	Confirmer   *enrollment.Confirmer
	Policy      *policy.Manager
	Invitations *enrollment.Approver
	Approvals   *access.Approver

	// keyMu serializes operations that create participant keys with the
	// pruning of unused ones. keyEpoch counts those operations; fetchEpoch is
	// its value when the current state request started.
	keyMu      sync.Mutex
	keyEpoch   atomic.Uint64
	fetchEpoch atomic.Uint64
}

// Open builds an app with the keystores named in cfg.
func Open(cfg *config.Config, log *slog.Logger) (*App, error) {
	store, err := storage.NewKeystoreFactory(log).CreateMultiKeystore(cfg.Keystores)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}
	return New(cfg, store, log), nil
}

func New(cfg *config.Config, store interfaces.Keystore, log *slog.Logger) *App {
	a := &App{
		log:       log,
		Keys:      storage.NewKeyManager(store, log),
		State:     common.NewProcessState(interfaces.DefaultFeatureFlags()),
		Scheduler: retry.NewScheduler(cfg.RetryConfig(), log),
	}
	a.Client = clients.NewClient(cfg.ServerURL, cfg.AccountID, a.Keys, a.State, cfg.RequestTimeout)
	a.Refresher = NewRefresher(a.Client, a.State, cfg.RefreshInterval, log)

	a.Session = session.NewLifecycle(a.Client, cfg.ProlongThreshold, log, nil)
	a.Access = access.NewMachine(a.Client, a.Keys, cfg.AccessWindow, log, func(string) {
		a.Refresher.Trigger()
	})
	a.Owner = enrollment.NewOwner(a.Client, a.Keys, log)
	a.Confirmer = enrollment.NewConfirmer(a.Owner, a.Scheduler, log, a.Observe)
	a.Policy = policy.NewManager(a.Client, a.Keys, a.Scheduler, log)
	a.Invitations = enrollment.NewApprover(a.Client, a.Keys, log)
	a.Approvals = access.NewApprover(a.Client, a.Keys, log)

	a.Refresher.BeforeFetch(func() { a.fetchEpoch.Store(a.keyEpoch.Load()) })
	a.Refresher.OnState(a.onUserState)
	return a
}

// Observe folds an owner state returned by any call into the local machines.
func (a *App) Observe(state interfaces.OwnerState) {
	if state == nil {
		return
	}
	a.Session.Observe(state)
	a.Access.Observe(state)
}

func (a *App) onUserState(ctx context.Context, user *interfaces.UserState) {
	a.Observe(user.OwnerState)
	a.Access.Reconcile()
	a.Confirmer.Process(ctx, interfaces.PolicySetupOf(user.OwnerState))
	a.pruneKeys(ctx, user, a.fetchEpoch.Load())
}

// ownParticipants lists the owner-side participant ids referenced by state.
func ownParticipants(state interfaces.OwnerState) []interfaces.ParticipantId {
	var ids []interfaces.ParticipantId
	if setup := interfaces.PolicySetupOf(state); setup != nil && !setup.OwnerParticipantID.IsZero() {
		ids = append(ids, setup.OwnerParticipantID)
	}
	if ready, ok := state.(interfaces.ReadyOwnerState); ok {
		if owner, ok := ready.Policy.Owner(); ok {
			ids = append(ids, owner.ParticipantID)
		}
	}
	return ids
}

// pruneKeys drops participant keys no longer referenced by the account. It
// is skipped while a key-creating operation runs, and for a state fetched
// before the last one finished: such a state may predate keys it never saw.
func (a *App) pruneKeys(ctx context.Context, user *interfaces.UserState, epoch uint64) {
	if !a.keyMu.TryLock() {
		return
	}
	defer a.keyMu.Unlock()
	if a.keyEpoch.Load() != epoch {
		a.log.Debug("Skipping key pruning on stale state")
		return
	}

	removed, err := a.Invitations.Prune(ctx, user.ApproverRoles, ownParticipants(user.OwnerState)...)
	if err != nil {
		a.log.Warn("Failed to prune participant keys", "err", err)
		return
	}
	if len(removed) > 0 {
		a.log.Info("Pruned participant keys", slog.Int("count", len(removed)))
	}
}

func (a *App) withKeys(fn func() (interfaces.OwnerState, error)) (interfaces.OwnerState, error) {
	a.keyMu.Lock()
	defer a.keyMu.Unlock()
	defer a.keyEpoch.Inc()
	state, err := fn()
	if err == nil {
		a.Observe(state)
	}
	return state, err
}

// Current refreshes and returns the owner state of this account.
func (a *App) Current(ctx context.Context) (interfaces.OwnerState, error) {
	user, err := a.Refresher.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return user.OwnerState, nil
}

// Ready refreshes and returns the state of an account with a policy.
func (a *App) Ready(ctx context.Context) (interfaces.ReadyOwnerState, error) {
	state, err := a.Current(ctx)
	if err != nil {
		return interfaces.ReadyOwnerState{}, err
	}
	ready, ok := state.(interfaces.ReadyOwnerState)
	if !ok {
		return interfaces.ReadyOwnerState{}, interfaces.ErrPolicyRequired
	}
	return ready, nil
}

// StageApprovers stages a setup for the current policy, or the first one.
// Existing prospects and policy approvers are kept unless named in drop.
func (a *App) StageApprovers(ctx context.Context, add []string, drop ...interfaces.ParticipantId) (interfaces.OwnerState, error) {
	state, err := a.Current(ctx)
	if err != nil {
		return nil, err
	}

	var ownerID interfaces.ParticipantId
	var keep []interfaces.ProspectApprover
	switch s := state.(type) {
	case interfaces.InitialOwnerState:
		if s.PolicySetup != nil {
			ownerID = s.PolicySetup.OwnerParticipantID
			keep = s.PolicySetup.Approvers
		}
	case interfaces.ReadyOwnerState:
		if s.PolicySetup != nil {
			ownerID = s.PolicySetup.OwnerParticipantID
			keep = s.PolicySetup.Approvers
		} else {
			if owner, ok := s.Policy.Owner(); ok {
				ownerID = owner.ParticipantID
			}
			keep = policy.ProspectsFromPolicy(s.Policy)
		}
	default:
		return nil, fmt.Errorf("%w: account cannot stage approvers", interfaces.ErrInvalidTransition)
	}

	dropped := make(map[interfaces.ParticipantId]struct{}, len(drop))
	for _, id := range drop {
		dropped[id] = struct{}{}
	}
	kept := make([]interfaces.ProspectApprover, 0, len(keep))
	for _, p := range keep {
		if _, ok := dropped[p.ParticipantID]; !ok {
			kept = append(kept, p)
		}
	}

	return a.withKeys(func() (interfaces.OwnerState, error) {
		return a.Owner.StageApprovers(ctx, ownerID, kept, add)
	})
}

// CreatePolicy commits the first policy from the confirmed setup.
func (a *App) CreatePolicy(ctx context.Context) (interfaces.OwnerState, error) {
	state, err := a.Current(ctx)
	if err != nil {
		return nil, err
	}
	initial, ok := state.(interfaces.InitialOwnerState)
	if !ok {
		return nil, fmt.Errorf("%w: account already has a policy", interfaces.ErrInvalidTransition)
	}
	return a.withKeys(func() (interfaces.OwnerState, error) {
		return a.Policy.CreatePolicy(ctx, initial)
	})
}

// ReplacePolicy commits the staged setup through an available access record.
func (a *App) ReplacePolicy(ctx context.Context, proof interfaces.AuthProof) (interfaces.OwnerState, error) {
	ready, err := a.Ready(ctx)
	if err != nil {
		return nil, err
	}
	return a.withKeys(func() (interfaces.OwnerState, error) {
		return a.Policy.ReplacePolicy(ctx, ready, proof)
	})
}

// RecoverOwnerKey rotates the owner participant key of the current policy.
func (a *App) RecoverOwnerKey(ctx context.Context, proof interfaces.AuthProof) (interfaces.OwnerState, error) {
	ready, err := a.Ready(ctx)
	if err != nil {
		return nil, err
	}
	return a.withKeys(func() (interfaces.OwnerState, error) {
		return a.Policy.RecoverOwnerKey(ctx, ready, proof)
	})
}

// AcceptInvitation takes up an approver slot named by an invitation token.
func (a *App) AcceptInvitation(ctx context.Context, token string) (interfaces.ApproverRole, error) {
	a.keyMu.Lock()
	defer a.keyMu.Unlock()
	defer a.keyEpoch.Inc()
	return a.Invitations.Accept(ctx, token)
}

// Role finds an approver role of this account by invitation id.
func (a *App) Role(ctx context.Context, invitationID string) (interfaces.ApproverRole, error) {
	user, err := a.Refresher.Refresh(ctx)
	if err != nil {
		return interfaces.ApproverRole{}, err
	}
	for _, role := range user.ApproverRoles {
		if role.InvitationID == invitationID {
			return role, nil
		}
	}
	return interfaces.ApproverRole{}, fmt.Errorf("%w: invitation %s", interfaces.ErrNotFound, invitationID)
}

// Approval finds a pending access request addressed to this account.
func (a *App) Approval(ctx context.Context, approvalID string) (interfaces.ApproverAccessRequest, error) {
	requests, err := a.Client.ListApprovals(ctx)
	if err != nil {
		return interfaces.ApproverAccessRequest{}, err
	}
	for _, req := range requests {
		if req.ApprovalID == approvalID {
			return req, nil
		}
	}
	return interfaces.ApproverAccessRequest{}, fmt.Errorf("%w: approval %s", interfaces.ErrNotFound, approvalID)
}

// Run keeps state fresh and the session alive until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Refresher.Run(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(sessionTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.Session.Tick(ctx)
				a.Access.Reconcile()
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops timers and waits for background retries to finish.
func (a *App) Close() {
	a.Access.Stop()
	a.Scheduler.Close()
}

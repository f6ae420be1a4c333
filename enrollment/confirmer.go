package enrollment

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/retry"
)

const taskPrefix = "enrollment/"

// Confirmer watches the staged policy setup and answers every submitted
// verification exactly once: a confirmation when the signed code matches,
// a rejection otherwise. The network call is retried by the scheduler until
// it lands or the prospect leaves the setup.
type Confirmer struct {
	owner     *Owner
	scheduler *retry.Scheduler
	log       *slog.Logger
	onState   func(interfaces.OwnerState)

	mu      sync.Mutex
	pending map[interfaces.ParticipantId]struct{}
}

// NewConfirmer creates a confirmer. onState, if set, receives the owner
// state returned by each successful call.
func NewConfirmer(owner *Owner, scheduler *retry.Scheduler, log *slog.Logger, onState func(interfaces.OwnerState)) *Confirmer {
	return &Confirmer{
		owner:     owner,
		scheduler: scheduler,
		log:       log,
		onState:   onState,
		pending:   make(map[interfaces.ParticipantId]struct{}),
	}
}

func taskKey(pid interfaces.ParticipantId) string {
	return taskPrefix + pid.String()
}

// Process schedules answers for prospects awaiting one and cancels tasks for
// prospects that left the setup. It is safe to call on every refresh.
func (c *Confirmer) Process(ctx context.Context, setup *interfaces.PolicySetup) {
	present := make(map[interfaces.ParticipantId]struct{})
	if setup != nil {
		for _, p := range setup.Approvers {
			present[p.ParticipantID] = struct{}{}
		}
	}

	c.mu.Lock()
	for pid := range c.pending {
		if _, ok := present[pid]; !ok {
			c.scheduler.Cancel(taskKey(pid))
			delete(c.pending, pid)
			c.log.Debug("Cancelled enrollment task", slog.String("participantId", pid.String()))
		}
	}
	c.mu.Unlock()

	if setup == nil {
		return
	}
	for _, p := range setup.Approvers {
		submitted, ok := p.Status.(interfaces.ApproverVerificationSubmitted)
		if !ok {
			continue
		}
		c.answer(ctx, p.ParticipantID, submitted)
	}
}

func (c *Confirmer) answer(ctx context.Context, pid interfaces.ParticipantId, status interfaces.ApproverVerificationSubmitted) {
	c.mu.Lock()
	if _, busy := c.pending[pid]; busy {
		c.mu.Unlock()
		return
	}
	c.pending[pid] = struct{}{}
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.pending, pid)
		c.mu.Unlock()
	}

	confirmation, err := c.owner.Decide(ctx, pid, status)
	if err != nil {
		// The secret may belong to another device of the account.
		c.log.Warn("Cannot judge approver verification", slog.String("participantId", pid.String()), "err", err)
		release()
		return
	}

	var op func(ctx context.Context) error
	if confirmation != nil {
		op = func(ctx context.Context) error {
			state, err := c.owner.api.ConfirmApprover(ctx, pid, *confirmation)
			return c.deliver(state, err)
		}
	} else {
		op = func(ctx context.Context) error {
			state, err := c.owner.api.RejectApproverVerification(ctx, pid)
			return c.deliver(state, err)
		}
	}

	started := c.scheduler.Schedule(taskKey(pid), op, func(err error) {
		release()
		if err == nil {
			c.log.Info("Answered approver verification",
				slog.String("participantId", pid.String()),
				slog.Bool("confirmed", confirmation != nil))
		}
	})
	if !started {
		release()
	}
}

func (c *Confirmer) deliver(state interfaces.OwnerState, err error) error {
	if err != nil {
		if interfaces.IsRetryable(err) {
			return err
		}
		return retry.Permanent(err)
	}
	if c.onState != nil && state != nil {
		c.onState(state)
	}
	return nil
}

// Pending reports whether an answer for pid is still in flight.
func (c *Confirmer) Pending(pid interfaces.ParticipantId) bool {
	return c.scheduler.Pending(taskKey(pid))
}

package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/storage"
	"github.com/ruteri/seedguard/totp"
)

// DefaultWindow is how long an available record may be used locally.
const DefaultWindow = 900 * time.Second

// Machine is the owner-side access state machine for one device.
type Machine struct {
	api      interfaces.OwnerAPI
	keys     *storage.KeyManager
	log      *slog.Logger
	window   time.Duration
	onExpire func(guid string)

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	mu       sync.Mutex
	current  interfaces.AccessRecord
	guid     string
	deadline time.Time
	timer    stopper
	expired  bool
}

type stopper interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// NewMachine creates a machine. onExpire is called once per record when its
// local window ends.
func NewMachine(api interfaces.OwnerAPI, keys *storage.KeyManager, window time.Duration, log *slog.Logger, onExpire func(guid string)) *Machine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Machine{
		api:       api,
		keys:      keys,
		log:       log,
		window:    window,
		onExpire:  onExpire,
		now:       time.Now,
		afterFunc: realAfterFunc,
	}
}

func accessOf(state interfaces.OwnerState) interfaces.AccessRecord {
	if ready, ok := state.(interfaces.ReadyOwnerState); ok {
		return ready.Access
	}
	return nil
}

// Request opens an access record with intent. An existing record of this
// device with another intent, or one that expired, is deleted first. A
// record held by another device blocks the request.
func (m *Machine) Request(ctx context.Context, state interfaces.OwnerState, intent interfaces.AccessIntent) (interfaces.OwnerState, error) {
	if !intent.Valid() {
		return nil, fmt.Errorf("%w: unknown intent %q", interfaces.ErrValidation, intent)
	}
	if _, ok := state.(interfaces.ReadyOwnerState); !ok {
		return nil, interfaces.ErrPolicyRequired
	}

	switch existing := accessOf(state).(type) {
	case interfaces.AnotherDeviceAccess:
		return nil, interfaces.ErrAccessOnAnotherDevice
	case interfaces.ThisDeviceAccess:
		if existing.Intent == intent && existing.Status != interfaces.AccessExpired {
			return state, nil
		}
		m.log.Info("Replacing access record",
			slog.String("guid", existing.GUID),
			slog.String("intent", string(existing.Intent)),
			slog.String("status", string(existing.Status)))
		if _, err := m.Delete(ctx); err != nil {
			return nil, err
		}
	case nil:
	}

	next, err := m.api.RequestAccess(ctx, intent)
	if errors.Is(err, interfaces.ErrIntentMismatch) {
		// Our view was stale; clear the server record and try once more.
		if _, err := m.Delete(ctx); err != nil {
			return nil, err
		}
		next, err = m.api.RequestAccess(ctx, intent)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to request access: %w", err)
	}
	m.Observe(next)
	return next, nil
}

// Delete removes the access record. It is legal in every state.
func (m *Machine) Delete(ctx context.Context) (interfaces.OwnerState, error) {
	next, err := m.api.DeleteAccess(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to delete access: %w", err)
	}
	m.Observe(next)
	return next, nil
}

// SubmitVerification signs the code an approver shows to the owner and
// submits it for that approver.
func (m *Machine) SubmitVerification(ctx context.Context, participantID interfaces.ParticipantId, code string) (interfaces.OwnerState, error) {
	device, err := m.keys.DeviceKey(ctx)
	if err != nil {
		return nil, err
	}
	timeMillis := m.now().UnixMilli()
	sig, err := totp.SignCode(device, code, timeMillis)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
	}
	next, err := m.api.SubmitAccessVerification(ctx, participantID, interfaces.OwnerVerification{
		Signature:  sig,
		TimeMillis: timeMillis,
	})
	if err != nil {
		return nil, err
	}
	m.Observe(next)
	return next, nil
}

// Current returns the last observed record.
func (m *Machine) Current() interfaces.AccessRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Deadline returns the end of the local window of the current record, or the
// zero time if no countdown runs.
func (m *Machine) Deadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadline
}

// Observe folds a fresh owner state into the machine. A record that became
// available starts the local countdown, which ends at the earlier of the
// local window and the record's own expiry.
func (m *Machine) Observe(state interfaces.OwnerState) {
	record := accessOf(state)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = record

	this, ok := record.(interfaces.ThisDeviceAccess)
	if !ok || this.GUID != m.guid {
		m.resetLocked()
	}
	if !ok {
		return
	}
	m.guid = this.GUID

	if !this.Status.AllowsRetrieval() || !m.deadline.IsZero() || m.expired {
		return
	}

	now := m.now()
	deadline := now.Add(m.window)
	if !this.ExpiresAt.IsZero() && this.ExpiresAt.Before(deadline) {
		deadline = this.ExpiresAt
	}
	m.deadline = deadline
	guid := this.GUID
	m.timer = m.afterFunc(deadline.Sub(now), func() { m.fire(guid) })
	m.log.Debug("Started access countdown", slog.String("guid", guid), slog.Time("deadline", deadline))
}

// Reconcile fires the expiry if the wall clock passed the deadline while
// timers were not running, e.g. after the process was suspended.
func (m *Machine) Reconcile() {
	m.mu.Lock()
	guid := m.guid
	due := !m.deadline.IsZero() && !m.expired && !m.now().Before(m.deadline)
	m.mu.Unlock()

	if due {
		m.fire(guid)
	}
}

func (m *Machine) fire(guid string) {
	m.mu.Lock()
	if m.guid != guid || m.expired {
		m.mu.Unlock()
		return
	}
	m.expired = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.log.Info("Access window expired", slog.String("guid", guid))
	if m.onExpire != nil {
		m.onExpire(guid)
	}
}

// Expired reports whether the local window of the current record ended.
func (m *Machine) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expired
}

func (m *Machine) resetLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.guid = ""
	m.deadline = time.Time{}
	m.expired = false
}

// Stop cancels any running countdown.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

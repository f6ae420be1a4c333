package ownerapp_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/seedguard/api/ownerapi"
	"github.com/ruteri/seedguard/common"
	"github.com/ruteri/seedguard/config"
	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/metrics"
	"github.com/ruteri/seedguard/ownerapp"
	"github.com/ruteri/seedguard/policy"
	"github.com/ruteri/seedguard/serverstore"
	"github.com/ruteri/seedguard/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	password = "correct horse battery staple"
	phrase   = "abandon ability able about above absent absorb abstract absurd abuse access accident"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type world struct {
	t      *testing.T
	server *httptest.Server
}

func newWorld(t *testing.T) *world {
	t.Helper()
	state := common.NewProcessState(interfaces.DefaultFeatureFlags())
	handler := ownerapi.NewHandler(serverstore.NewMemoryStore(), ownerapi.DigestBiometricVerifier{}, state, metrics.NewMetrics("test"), ownerapi.DefaultConfig(), testLogger())

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return &world{t: t, server: server}
}

// device starts an app for accountID with its own in-memory keystore.
func (w *world) device(accountID string) *ownerapp.App {
	w.t.Helper()
	cfg := config.Default()
	cfg.ServerURL = w.server.URL
	cfg.AccountID = accountID
	cfg.RefreshInterval = 50 * time.Millisecond
	cfg.Retry = config.RetryConfig{Delay: 10 * time.Millisecond, MaxAttempts: 100}

	app := ownerapp.New(&cfg, storage.NewMemoryKeystore(), testLogger())
	w.t.Cleanup(app.Close)
	return app
}

func proofFor(app *ownerapp.App) interfaces.PasswordProof {
	return interfaces.PasswordProof{CryptographicPassword: cryptoutils.DerivePasswordProof(password, app.Client.AccountID())}
}

func enroll(t *testing.T, app *ownerapp.App) {
	t.Helper()
	state, err := app.Client.EnrollPassword(context.Background(), proofFor(app))
	require.NoError(t, err)
	app.Observe(state)
}

// onboard runs the invitation and verification of every approver until the
// owner has confirmed them all.
func onboard(t *testing.T, owner *ownerapp.App, approvers map[string]*ownerapp.App) {
	t.Helper()
	ctx := context.Background()

	labels := make([]string, 0, len(approvers))
	for label := range approvers {
		labels = append(labels, label)
	}
	state, err := owner.StageApprovers(ctx, labels)
	require.NoError(t, err)

	roles := make(map[string]interfaces.ApproverRole)
	for _, prospect := range interfaces.PolicySetupOf(state).Approvers {
		token, err := owner.Owner.InvitationToken(ctx, prospect)
		require.NoError(t, err)
		role, err := approvers[prospect.Label].AcceptInvitation(ctx, token)
		require.NoError(t, err)
		roles[prospect.Label] = role
	}

	state, err = owner.Current(ctx)
	require.NoError(t, err)
	for _, prospect := range interfaces.PolicySetupOf(state).Approvers {
		require.IsType(t, interfaces.ApproverAccepted{}, prospect.Status)
		code, _, err := owner.Owner.CurrentCode(ctx, prospect)
		require.NoError(t, err)
		require.NoError(t, approvers[prospect.Label].Invitations.SubmitVerification(ctx, roles[prospect.Label], code))
	}

	_, err = owner.Refresher.Refresh(ctx)
	require.NoError(t, err)
	owner.Scheduler.Wait()

	state, err = owner.Current(ctx)
	require.NoError(t, err)
	for _, prospect := range interfaces.PolicySetupOf(state).Approvers {
		assert.IsType(t, interfaces.ApproverConfirmed{}, prospect.Status, prospect.Label)
	}
}

// approveAccess opens an access record with intent and walks each approver
// through acknowledgement, code verification and release.
func approveAccess(t *testing.T, owner *ownerapp.App, intent interfaces.AccessIntent, approvers ...*ownerapp.App) interfaces.ReadyOwnerState {
	t.Helper()
	ctx := context.Background()

	ready, err := owner.Ready(ctx)
	require.NoError(t, err)
	_, err = owner.Access.Request(ctx, ready, intent)
	require.NoError(t, err)

	for _, approver := range approvers {
		req := pendingApproval(t, approver, owner.Client.AccountID())
		require.NoError(t, approver.Approvals.Acknowledge(ctx, req))

		req, err := approver.Approval(ctx, req.ApprovalID)
		require.NoError(t, err)
		code, _, err := approver.Approvals.CurrentCode(ctx, req)
		require.NoError(t, err)

		_, err = owner.Access.SubmitVerification(ctx, req.ParticipantID, code)
		require.NoError(t, err)

		req, err = approver.Approval(ctx, req.ApprovalID)
		require.NoError(t, err)
		released, err := approver.Approvals.Review(ctx, req)
		require.NoError(t, err)
		require.True(t, released)
	}

	ready, err = owner.Ready(ctx)
	require.NoError(t, err)
	access, ok := ready.Access.(interfaces.ThisDeviceAccess)
	require.True(t, ok)
	require.Equal(t, interfaces.AccessAvailable, access.Status)
	require.Equal(t, intent, access.Intent)
	return ready
}

func pendingApproval(t *testing.T, approver *ownerapp.App, ownerAccountID string) interfaces.ApproverAccessRequest {
	t.Helper()
	requests, err := approver.Client.ListApprovals(context.Background())
	require.NoError(t, err)
	for _, req := range requests {
		if req.OwnerAccountID == ownerAccountID && req.Status == interfaces.ApprovalInitial {
			return req
		}
	}
	t.Fatalf("no pending approval for %s", ownerAccountID)
	return interfaces.ApproverAccessRequest{}
}

func TestScenario_TwoApproverRecovery(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice, bob, carol := w.device("alice"), w.device("bob"), w.device("carol")

	enroll(t, alice)
	onboard(t, alice, map[string]*ownerapp.App{"bob": bob, "carol": carol})

	state, err := alice.CreatePolicy(ctx)
	require.NoError(t, err)
	ready, ok := state.(interfaces.ReadyOwnerState)
	require.True(t, ok)
	assert.Equal(t, 2, ready.Policy.Threshold)
	assert.False(t, ready.Policy.OwnerHoldsShard())
	assert.Len(t, ready.Policy.Approvers, 3)

	_, err = alice.Policy.StoreSeedPhrase(ctx, ready, "main", phrase)
	require.NoError(t, err)

	ready = approveAccess(t, alice, interfaces.IntentAccessPhrases, bob, carol)
	assert.False(t, alice.Access.Deadline().IsZero())

	secrets, err := alice.Policy.AccessSeedPhrases(ctx, ready, proofFor(alice))
	require.NoError(t, err)
	require.Len(t, secrets, 1)
	assert.Equal(t, "main", secrets[0].Label)
	assert.Equal(t, policy.NormalizeSeedPhrase(phrase), secrets[0].SeedPhrase)

	ready, err = alice.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.AccessGranted, ready.Access.(interfaces.ThisDeviceAccess).Status)

	// Once the policy is committed the role is active and its key survives refreshes.
	user, err := bob.Refresher.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, user.ApproverRoles, 1)
	assert.Equal(t, interfaces.RolePhaseActive, user.ApproverRoles[0].Phase)
	held, err := bob.Keys.ParticipantIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.ParticipantId{user.ApproverRoles[0].ParticipantID}, held)
}

func TestScenario_AccessOnAnotherDevice(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	deviceA, deviceB, bob := w.device("alice"), w.device("alice"), w.device("bob")

	enroll(t, deviceA)
	onboard(t, deviceA, map[string]*ownerapp.App{"bob": bob})
	_, err := deviceA.CreatePolicy(ctx)
	require.NoError(t, err)

	_, err = deviceB.Current(ctx)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
	_, err = deviceB.Session.UnlockWithPassword(ctx, "alice", password)
	require.NoError(t, err)
	assert.True(t, deviceB.Session.Unlocked())

	readyA, err := deviceA.Ready(ctx)
	require.NoError(t, err)
	_, err = deviceA.Access.Request(ctx, readyA, interfaces.IntentAccessPhrases)
	require.NoError(t, err)

	readyB, err := deviceB.Ready(ctx)
	require.NoError(t, err)
	assert.IsType(t, interfaces.AnotherDeviceAccess{}, readyB.Access)
	_, err = deviceB.Access.Request(ctx, readyB, interfaces.IntentAccessPhrases)
	assert.ErrorIs(t, err, interfaces.ErrAccessOnAnotherDevice)

	_, err = deviceA.Access.Delete(ctx)
	require.NoError(t, err)

	readyB, err = deviceB.Ready(ctx)
	require.NoError(t, err)
	_, err = deviceB.Access.Request(ctx, readyB, interfaces.IntentReplacePolicy)
	require.NoError(t, err)

	readyA, err = deviceA.Ready(ctx)
	require.NoError(t, err)
	assert.IsType(t, interfaces.AnotherDeviceAccess{}, readyA.Access)
}

func TestScenario_ReplacePolicyKeepsVault(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice, bob, carol := w.device("alice"), w.device("bob"), w.device("carol")

	enroll(t, alice)
	onboard(t, alice, map[string]*ownerapp.App{"bob": bob, "carol": carol})
	state, err := alice.CreatePolicy(ctx)
	require.NoError(t, err)
	previous := state.(interfaces.ReadyOwnerState).Policy
	_, err = alice.Policy.StoreSeedPhrase(ctx, state.(interfaces.ReadyOwnerState), "main", phrase)
	require.NoError(t, err)

	approveAccess(t, alice, interfaces.IntentReplacePolicy, bob, carol)

	var carolPid interfaces.ParticipantId
	for _, a := range previous.Approvers {
		if a.Label == "carol" {
			carolPid = a.ParticipantID
		}
	}
	require.False(t, carolPid.IsZero())
	state, err = alice.StageApprovers(ctx, nil, carolPid)
	require.NoError(t, err)
	require.Len(t, interfaces.PolicySetupOf(state).Approvers, 1)

	state, err = alice.ReplacePolicy(ctx, proofFor(alice))
	require.NoError(t, err)
	ready := state.(interfaces.ReadyOwnerState)
	assert.Nil(t, ready.Access)
	assert.Nil(t, ready.PolicySetup)
	assert.Equal(t, 2, ready.Policy.Threshold)
	assert.True(t, ready.Policy.OwnerHoldsShard())
	assert.Len(t, ready.Policy.Approvers, 2)
	require.NoError(t, policy.VerifyContinuity(previous.IntermediatePublicKey, ready.Policy.IntermediatePublicKey, ready.Policy.SignatureByPreviousIntermediateKey))

	ready = approveAccess(t, alice, interfaces.IntentAccessPhrases, bob)
	secrets, err := alice.Policy.AccessSeedPhrases(ctx, ready, proofFor(alice))
	require.NoError(t, err)
	require.Len(t, secrets, 1)
	assert.Equal(t, policy.NormalizeSeedPhrase(phrase), secrets[0].SeedPhrase)
}

func TestScenario_RecoverOwnerKey(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice, bob := w.device("alice"), w.device("bob")

	enroll(t, alice)
	onboard(t, alice, map[string]*ownerapp.App{"bob": bob})
	state, err := alice.CreatePolicy(ctx)
	require.NoError(t, err)
	ready := state.(interfaces.ReadyOwnerState)
	oldOwner, ok := ready.Policy.Owner()
	require.True(t, ok)

	_, err = alice.Policy.StoreSeedPhrase(ctx, ready, "first", phrase)
	require.NoError(t, err)
	ready, err = alice.Ready(ctx)
	require.NoError(t, err)
	_, err = alice.Policy.StoreSeedPhrase(ctx, ready, "again", "  ABANDON ability able about above absent absorb abstract absurd abuse access accident ")
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	approveAccess(t, alice, interfaces.IntentRecoverOwnerKey, bob)
	state, err = alice.RecoverOwnerKey(ctx, proofFor(alice))
	require.NoError(t, err)
	ready = state.(interfaces.ReadyOwnerState)
	newOwner, ok := ready.Policy.Owner()
	require.True(t, ok)
	assert.NotEqual(t, oldOwner.ParticipantID, newOwner.ParticipantID)

	alice.Scheduler.Wait()
	has, err := alice.Keys.HasParticipantKey(ctx, oldOwner.ParticipantID)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = alice.Keys.HasParticipantKey(ctx, newOwner.ParticipantID)
	require.NoError(t, err)
	assert.True(t, has)

	ready = approveAccess(t, alice, interfaces.IntentAccessPhrases, bob)
	secrets, err := alice.Policy.AccessSeedPhrases(ctx, ready, proofFor(alice))
	require.NoError(t, err)
	require.Len(t, secrets, 1)
	assert.Equal(t, "first", secrets[0].Label)

	_, err = alice.Policy.DeleteSeedPhrase(ctx, secrets[0].GUID)
	require.NoError(t, err)
	ready, err = alice.Ready(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready.Vault.Secrets)
}

func TestRefresher_Coalesces(t *testing.T) {
	w := newWorld(t)
	app := w.device("alice")
	ctx := context.Background()

	var mu sync.Mutex
	seen := 0
	app.Refresher.OnState(func(context.Context, *interfaces.UserState) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := app.Refresher.Refresh(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, seen, 1)
	assert.LessOrEqual(t, seen, 8)
	require.NotNil(t, app.Refresher.Last())
	assert.Equal(t, interfaces.InitialOwnerState{AuthType: interfaces.AuthTypeNone}, app.Refresher.Last().OwnerState)
}

func TestApp_Run(t *testing.T) {
	w := newWorld(t)
	app := w.device("alice")
	enroll(t, app)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.Refresher.Last() != nil }, 2*time.Second, 10*time.Millisecond)
	app.Refresher.Trigger()
	app.Refresher.Trigger()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

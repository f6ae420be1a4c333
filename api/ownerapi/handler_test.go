package ownerapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/seedguard/api"
	"github.com/ruteri/seedguard/api/clients"
	"github.com/ruteri/seedguard/common"
	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/enrollment"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/metrics"
	"github.com/ruteri/seedguard/serverstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticKey struct {
	key *cryptoutils.KeyPair
}

func (s staticKey) DeviceKey(context.Context) (*cryptoutils.KeyPair, error) {
	return s.key, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store   *serverstore.MemoryStore
	handler *Handler
	state   *common.ProcessState
	metrics *metrics.Metrics
	clock   *testClock
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   serverstore.NewMemoryStore(),
		state:   common.NewProcessState(interfaces.DefaultFeatureFlags()),
		metrics: metrics.NewMetrics("test"),
		clock:   &testClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	env.handler = NewHandler(env.store, DigestBiometricVerifier{}, env.state, env.metrics, DefaultConfig(), testLogger())
	env.handler.now = env.clock.Now

	r := chi.NewRouter()
	env.handler.RegisterRoutes(r)
	env.server = httptest.NewServer(r)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) client(accountID string, device *cryptoutils.KeyPair) *clients.Client {
	return clients.NewClient(e.server.URL, accountID, staticKey{device}, nil).WithClock(e.clock.Now)
}

func newKey(t *testing.T) *cryptoutils.KeyPair {
	t.Helper()
	k, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	return k
}

func newPid(t *testing.T) interfaces.ParticipantId {
	t.Helper()
	id, err := interfaces.NewParticipantId()
	require.NoError(t, err)
	return id
}

func passwordProof(accountID, password string) interfaces.PasswordProof {
	return interfaces.PasswordProof{CryptographicPassword: cryptoutils.DerivePasswordProof(password, accountID)}
}

func TestHandler_DeviceBinding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	deviceA, deviceB := newKey(t), newKey(t)
	a := env.client("alice", deviceA)
	b := env.client("alice", deviceB)

	user, err := a.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.InitialOwnerState{AuthType: interfaces.AuthTypeNone}, user.OwnerState)

	state, err := a.EnrollPassword(ctx, passwordProof("alice", "hunter2"))
	require.NoError(t, err)
	assert.Equal(t, interfaces.AuthTypePassword, interfaces.AuthTypeOf(state))

	_, err = b.GetUser(ctx)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	_, err = b.Unlock(ctx, passwordProof("alice", "wrong"))
	assert.ErrorIs(t, err, interfaces.ErrWrongPassword)

	_, err = b.Unlock(ctx, passwordProof("alice", "hunter2"))
	require.NoError(t, err)
	_, err = b.GetUser(ctx)
	assert.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.UnlocksTotal.WithLabelValues("Password", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.UnlocksTotal.WithLabelValues("Password", "wrong_password")))
}

func TestHandler_Authentication(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	device := newKey(t)
	c := env.client("alice", device)

	_, err := c.EnrollPassword(ctx, interfaces.PasswordProof{CryptographicPassword: []byte("short")})
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = c.EnrollBiometry(ctx, interfaces.BiometricProof{VerificationID: "v1", ProofBlob: []byte("face")})
	require.NoError(t, err)

	_, err = c.EnrollPassword(ctx, passwordProof("alice", "pw"))
	assert.ErrorIs(t, err, interfaces.ErrAuthTypeMismatch)

	_, err = c.Unlock(ctx, passwordProof("alice", "pw"))
	assert.ErrorIs(t, err, interfaces.ErrAuthTypeMismatch)

	_, err = c.Unlock(ctx, interfaces.BiometricProof{VerificationID: "v2", ProofBlob: []byte("someone else")})
	assert.ErrorIs(t, err, interfaces.ErrBiometryFailed)

	_, err = c.Lock(ctx)
	require.NoError(t, err)
	_, err = c.ProlongUnlock(ctx)
	assert.ErrorIs(t, err, interfaces.ErrLocked)

	_, err = c.Unlock(ctx, interfaces.BiometricProof{VerificationID: "v3", ProofBlob: []byte("face")})
	require.NoError(t, err)
	_, err = c.ProlongUnlock(ctx)
	require.NoError(t, err)

	env.clock.Advance(DefaultConfig().UnlockDuration + time.Second)
	_, err = c.ProlongUnlock(ctx)
	assert.ErrorIs(t, err, interfaces.ErrLocked)
}

func TestHandler_RejectsUnsignedRequests(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/v1/user")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.ErrorIs(t, api.ErrorFromResponse(resp.StatusCode, body), interfaces.ErrUnauthorized)
}

func TestHandler_Maintenance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	clientState := common.NewProcessState(interfaces.DefaultFeatureFlags())
	c := clients.NewClient(env.server.URL, "alice", staticKey{newKey(t)}, clientState).WithClock(env.clock.Now)

	env.state.SetMaintenance(true)
	_, err := c.GetUser(ctx)
	assert.ErrorIs(t, err, interfaces.ErrUnderMaintenance)
	assert.True(t, clientState.UnderMaintenance())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.MaintenanceRejectionTotal))

	env.state.SetMaintenance(false)
	_, err = c.GetUser(ctx)
	require.NoError(t, err)
	assert.False(t, clientState.UnderMaintenance())
}

func TestHandler_PolicySetup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client("alice", newKey(t))
	owner, p1, p2, p3 := newPid(t), newPid(t), newPid(t), newPid(t)
	secret := []byte("sealed")

	tests := []struct {
		name string
		req  interfaces.PolicySetupRequest
	}{
		{"missing owner", interfaces.PolicySetupRequest{}},
		{"duplicate participant", interfaces.PolicySetupRequest{
			OwnerParticipantID: owner,
			Approvers: []interfaces.ProspectApproverRequest{
				{Label: "a", ParticipantID: p1, DeviceEncryptedTotpSecret: secret},
				{Label: "b", ParticipantID: p1, DeviceEncryptedTotpSecret: secret},
			},
		}},
		{"owner as approver", interfaces.PolicySetupRequest{
			OwnerParticipantID: owner,
			Approvers:          []interfaces.ProspectApproverRequest{{Label: "a", ParticipantID: owner, DeviceEncryptedTotpSecret: secret}},
		}},
		{"new approver without secret", interfaces.PolicySetupRequest{
			OwnerParticipantID: owner,
			Approvers:          []interfaces.ProspectApproverRequest{{Label: "a", ParticipantID: p1}},
		}},
		{"too many approvers", interfaces.PolicySetupRequest{
			OwnerParticipantID: owner,
			Approvers: []interfaces.ProspectApproverRequest{
				{Label: "a", ParticipantID: p1, DeviceEncryptedTotpSecret: secret},
				{Label: "b", ParticipantID: p2, DeviceEncryptedTotpSecret: secret},
				{Label: "c", ParticipantID: p3, DeviceEncryptedTotpSecret: secret},
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreatePolicySetup(ctx, tt.req)
			assert.ErrorIs(t, err, interfaces.ErrValidation)
		})
	}

	state, err := c.CreatePolicySetup(ctx, interfaces.PolicySetupRequest{
		OwnerParticipantID: owner,
		Approvers: []interfaces.ProspectApproverRequest{
			{Label: "a", ParticipantID: p1, DeviceEncryptedTotpSecret: secret},
			{Label: "b", ParticipantID: p2, DeviceEncryptedTotpSecret: secret},
		},
	})
	require.NoError(t, err)
	setup := interfaces.PolicySetupOf(state)
	require.NotNil(t, setup)
	require.Len(t, setup.Approvers, 2)
	first := setup.Approvers[0]
	assert.Equal(t, interfaces.ApproverInitial{DeviceEncryptedTotpSecret: secret}, first.Status)
	assert.NotEmpty(t, first.InvitationID)

	ownerID, err := env.store.LookupIndex(ctx, invitationIndexPrefix+first.InvitationID)
	require.NoError(t, err)
	assert.Equal(t, "alice", ownerID)

	// Restating a prospect keeps its invitation and updates its label.
	state, err = c.CreatePolicySetup(ctx, interfaces.PolicySetupRequest{
		OwnerParticipantID: owner,
		Approvers:          []interfaces.ProspectApproverRequest{{Label: "renamed", ParticipantID: p1}},
	})
	require.NoError(t, err)
	setup = interfaces.PolicySetupOf(state)
	require.Len(t, setup.Approvers, 1)
	assert.Equal(t, first.InvitationID, setup.Approvers[0].InvitationID)
	assert.Equal(t, "renamed", setup.Approvers[0].Label)
}

func TestHandler_Invitation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ownerDevice, approverDevice := newKey(t), newKey(t)
	owner := env.client("alice", ownerDevice)
	approver := env.client("bob", approverDevice)
	ownerPid, pid := newPid(t), newPid(t)

	state, err := owner.CreatePolicySetup(ctx, interfaces.PolicySetupRequest{
		OwnerParticipantID: ownerPid,
		Approvers:          []interfaces.ProspectApproverRequest{{Label: "bob", ParticipantID: pid, DeviceEncryptedTotpSecret: []byte("sealed")}},
	})
	require.NoError(t, err)
	invitationID := interfaces.PolicySetupOf(state).Approvers[0].InvitationID

	token, err := enrollment.NewInvitationToken(ownerDevice, invitationID, pid, "bob", env.clock.Now())
	require.NoError(t, err)

	t.Run("token for another invitation", func(t *testing.T) {
		_, err := approver.AcceptInvitation(ctx, "other", token)
		assert.ErrorIs(t, err, interfaces.ErrValidation)
	})
	t.Run("self approval", func(t *testing.T) {
		_, err := owner.AcceptInvitation(ctx, invitationID, token)
		assert.ErrorIs(t, err, interfaces.ErrValidation)
	})

	role, err := approver.AcceptInvitation(ctx, invitationID, token)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RolePhaseAccepted, role.Phase)
	assert.Equal(t, "alice", role.OwnerAccountID)
	assert.Equal(t, ownerDevice.PublicKey(), role.OwnerDevicePublicKey)

	// Accepting twice is harmless.
	_, err = approver.AcceptInvitation(ctx, invitationID, token)
	require.NoError(t, err)

	approverKey := newKey(t)
	err = approver.SubmitApproverVerification(ctx, invitationID, interfaces.ApproverVerification{
		ApproverPublicKey: approverKey.PublicKey(),
		Signature:         []byte("sig"),
		TimeMillis:        env.clock.Now().UnixMilli(),
	})
	require.NoError(t, err)

	user, err := approver.GetUser(ctx)
	require.NoError(t, err)
	require.Len(t, user.ApproverRoles, 1)
	assert.Equal(t, interfaces.RolePhaseVerificationSubmitted, user.ApproverRoles[0].Phase)

	wrongSigner, err := enrollment.Confirm(newKey(t), approverKey.PublicKey(), pid, env.clock.Now())
	require.NoError(t, err)
	_, err = owner.ConfirmApprover(ctx, pid, wrongSigner)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	confirmation, err := enrollment.Confirm(ownerDevice, approverKey.PublicKey(), pid, env.clock.Now())
	require.NoError(t, err)
	state, err = owner.ConfirmApprover(ctx, pid, confirmation)
	require.NoError(t, err)
	assert.IsType(t, interfaces.ApproverConfirmed{}, interfaces.PolicySetupOf(state).Approvers[0].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ApproverDecisionsTotal.WithLabelValues("confirmed")))

	_, err = owner.ConfirmApprover(ctx, pid, confirmation)
	assert.NoError(t, err)

	_, err = owner.RejectApproverVerification(ctx, pid)
	assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)

	user, err = approver.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RolePhaseConfirmed, user.ApproverRoles[0].Phase)
}

func TestHandler_DeclineInvitation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ownerDevice := newKey(t)
	owner := env.client("alice", ownerDevice)
	approver := env.client("bob", newKey(t))
	pid := newPid(t)

	state, err := owner.CreatePolicySetup(ctx, interfaces.PolicySetupRequest{
		OwnerParticipantID: newPid(t),
		Approvers:          []interfaces.ProspectApproverRequest{{Label: "bob", ParticipantID: pid, DeviceEncryptedTotpSecret: []byte("sealed")}},
	})
	require.NoError(t, err)
	invitationID := interfaces.PolicySetupOf(state).Approvers[0].InvitationID
	token, err := enrollment.NewInvitationToken(ownerDevice, invitationID, pid, "bob", env.clock.Now())
	require.NoError(t, err)

	_, err = approver.AcceptInvitation(ctx, invitationID, token)
	require.NoError(t, err)
	require.NoError(t, approver.DeclineInvitation(ctx, invitationID))

	user, err := owner.GetUser(ctx)
	require.NoError(t, err)
	assert.IsType(t, interfaces.ApproverDeclined{}, interfaces.PolicySetupOf(user.OwnerState).Approvers[0].Status)

	user, err = approver.GetUser(ctx)
	require.NoError(t, err)
	require.Len(t, user.ApproverRoles, 1)
	assert.Equal(t, interfaces.RolePhaseDeclined, user.ApproverRoles[0].Phase)
}

// seededPolicy stores a committed 2-of-2 policy for alice, with the owner
// holding one shard and bob approving with the other.
type seededPolicy struct {
	ownerPid, approverPid interfaces.ParticipantId
	deviceA, deviceB      *cryptoutils.KeyPair
	approverDevice        *cryptoutils.KeyPair
}

func seedPolicy(t *testing.T, env *testEnv) seededPolicy {
	t.Helper()
	ctx := context.Background()
	s := seededPolicy{
		ownerPid:       newPid(t),
		approverPid:    newPid(t),
		deviceA:        newKey(t),
		deviceB:        newKey(t),
		approverDevice: newKey(t),
	}
	proof := passwordProof("alice", "pw")
	_, err := env.store.Update(ctx, "alice", func(acc *serverstore.Account) error {
		acc.Devices = append(acc.Devices, s.deviceA.PublicKey(), s.deviceB.PublicKey())
		acc.AuthType = interfaces.AuthTypePassword
		acc.PasswordVerifier = cryptoutils.PasswordVerifier(proof.CryptographicPassword)
		acc.Policy = &interfaces.Policy{
			Threshold: 2,
			Approvers: []interfaces.TrustedApprover{
				{Label: "owner", ParticipantID: s.ownerPid, PublicKey: newKey(t).PublicKey(), IsOwner: true, HoldsShard: true},
				{Label: "bob", ParticipantID: s.approverPid, PublicKey: newKey(t).PublicKey(), HoldsShard: true},
			},
		}
		acc.Shards = []interfaces.EncryptedShard{
			{ParticipantID: s.ownerPid, EncryptedShard: []byte("owner-shard"), IsOwnerShard: true},
			{ParticipantID: s.approverPid, EncryptedShard: []byte("bob-shard")},
		}
		acc.ApproverAccounts = map[interfaces.ParticipantId]string{s.approverPid: "bob"}
		return nil
	})
	require.NoError(t, err)
	_, err = env.store.Update(ctx, "bob", func(acc *serverstore.Account) error {
		acc.Devices = append(acc.Devices, s.approverDevice.PublicKey())
		acc.Roles = append(acc.Roles, serverstore.Role{
			OwnerAccountID:       "alice",
			InvitationID:         "inv",
			ParticipantID:        s.approverPid,
			Label:                "bob",
			OwnerDevicePublicKey: s.deviceA.PublicKey(),
		})
		return nil
	})
	require.NoError(t, err)
	return s
}

func thisDeviceAccess(t *testing.T, state interfaces.OwnerState) interfaces.ThisDeviceAccess {
	t.Helper()
	ready, ok := state.(interfaces.ReadyOwnerState)
	require.True(t, ok, "state is %T", state)
	access, ok := ready.Access.(interfaces.ThisDeviceAccess)
	require.True(t, ok, "access is %T", ready.Access)
	return access
}

func TestHandler_AccessFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := seedPolicy(t, env)
	a := env.client("alice", s.deviceA)
	b := env.client("alice", s.deviceB)
	bob := env.client("bob", s.approverDevice)

	_, err := a.RequestAccess(ctx, interfaces.IntentAccessPhrases)
	assert.ErrorIs(t, err, interfaces.ErrLocked)

	_, err = a.Unlock(ctx, passwordProof("alice", "pw"))
	require.NoError(t, err)

	state, err := a.RequestAccess(ctx, interfaces.IntentAccessPhrases)
	require.NoError(t, err)
	access := thisDeviceAccess(t, state)
	assert.Equal(t, interfaces.AccessRequested, access.Status)
	require.Len(t, access.Approvals, 1)
	assert.Equal(t, interfaces.ApprovalInitial, access.Approvals[0].Status)

	_, err = b.RequestAccess(ctx, interfaces.IntentAccessPhrases)
	assert.ErrorIs(t, err, interfaces.ErrAccessOnAnotherDevice)
	user, err := b.GetUser(ctx)
	require.NoError(t, err)
	assert.IsType(t, interfaces.AnotherDeviceAccess{}, user.OwnerState.(interfaces.ReadyOwnerState).Access)

	_, err = a.RequestAccess(ctx, interfaces.IntentReplacePolicy)
	assert.ErrorIs(t, err, interfaces.ErrIntentMismatch)

	approvals, err := bob.ListApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	req := approvals[0]
	assert.Equal(t, interfaces.ApprovalInitial, req.Status)
	assert.Equal(t, []byte("bob-shard"), req.EncryptedShard)
	assert.Equal(t, s.deviceA.PublicKey(), req.OwnerDevicePublicKey)

	_, err = a.SubmitAccessVerification(ctx, s.approverPid, interfaces.OwnerVerification{Signature: []byte("sig")})
	assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)

	require.NoError(t, bob.AcknowledgeApproval(ctx, req.ApprovalID, []byte("approver-secret")))
	_, err = a.RetrieveShards(ctx, passwordProof("alice", "pw"))
	assert.ErrorIs(t, err, interfaces.ErrAccessNotAvailable)

	_, err = a.SubmitAccessVerification(ctx, s.approverPid, interfaces.OwnerVerification{Signature: []byte("sig")})
	require.NoError(t, err)
	require.NoError(t, bob.RejectAccessVerification(ctx, req.ApprovalID))
	_, err = a.SubmitAccessVerification(ctx, s.approverPid, interfaces.OwnerVerification{Signature: []byte("sig2")})
	require.NoError(t, err)

	approvals, err = bob.ListApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ApprovalWaitingForApproval, approvals[0].Status)
	assert.Equal(t, []byte("sig2"), approvals[0].OwnerVerification.Signature)

	require.NoError(t, bob.ApproveAccess(ctx, req.ApprovalID, []byte("released")))
	user, err = a.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.AccessAvailable, thisDeviceAccess(t, user.OwnerState).Status)

	_, err = a.RetrieveShards(ctx, passwordProof("alice", "nope"))
	assert.ErrorIs(t, err, interfaces.ErrWrongPassword)

	shards, err := a.RetrieveShards(ctx, passwordProof("alice", "pw"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []interfaces.EncryptedShard{
		{ParticipantID: s.approverPid, EncryptedShard: []byte("released")},
		{ParticipantID: s.ownerPid, EncryptedShard: []byte("owner-shard"), IsOwnerShard: true},
	}, shards)

	user, err = a.GetUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.AccessGranted, thisDeviceAccess(t, user.OwnerState).Status)

	env.clock.Advance(DefaultConfig().AccessTTL)
	_, err = a.RetrieveShards(ctx, passwordProof("alice", "pw"))
	assert.ErrorIs(t, err, interfaces.ErrAccessExpired)
	approvals, err = bob.ListApprovals(ctx)
	require.NoError(t, err)
	assert.Empty(t, approvals)

	// An expired record no longer blocks other devices.
	_, err = b.Unlock(ctx, passwordProof("alice", "pw"))
	require.NoError(t, err)
	state, err = b.RequestAccess(ctx, interfaces.IntentReplacePolicy)
	require.NoError(t, err)
	assert.Equal(t, interfaces.AccessRequested, thisDeviceAccess(t, state).Status)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.AccessRequestsTotal.WithLabelValues(string(interfaces.IntentAccessPhrases)))+
		testutil.ToFloat64(env.metrics.AccessRequestsTotal.WithLabelValues(string(interfaces.IntentReplacePolicy))))
}

func TestHandler_RejectAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := seedPolicy(t, env)
	a := env.client("alice", s.deviceA)
	bob := env.client("bob", s.approverDevice)
	stranger := env.client("carol", newKey(t))

	_, err := a.Unlock(ctx, passwordProof("alice", "pw"))
	require.NoError(t, err)
	_, err = a.RequestAccess(ctx, interfaces.IntentAccessPhrases)
	require.NoError(t, err)

	approvals, err := bob.ListApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, approvals, 1)

	_, err = stranger.GetUser(ctx)
	require.NoError(t, err)
	err = stranger.RejectAccess(ctx, approvals[0].ApprovalID)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	require.NoError(t, bob.RejectAccess(ctx, approvals[0].ApprovalID))
	require.NoError(t, bob.RejectAccess(ctx, approvals[0].ApprovalID))
	err = bob.ApproveAccess(ctx, approvals[0].ApprovalID, []byte("late"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)

	state, err := a.DeleteAccess(ctx)
	require.NoError(t, err)
	assert.Nil(t, state.(interfaces.ReadyOwnerState).Access)
}

func TestHandler_Vault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := seedPolicy(t, env)
	a := env.client("alice", s.deviceA)
	secret := interfaces.VaultSecret{
		GUID:                "s1",
		Label:               "main",
		EncryptedSeedPhrase: []byte("sealed phrase"),
		SeedPhraseHash:      []byte("hash"),
	}

	_, err := a.StoreSecret(ctx, secret)
	assert.ErrorIs(t, err, interfaces.ErrLocked)

	_, err = a.Unlock(ctx, passwordProof("alice", "pw"))
	require.NoError(t, err)
	state, err := a.StoreSecret(ctx, secret)
	require.NoError(t, err)
	vault := state.(interfaces.ReadyOwnerState).Vault
	require.Len(t, vault.Secrets, 1)
	assert.Equal(t, env.clock.Now(), vault.Secrets[0].CreatedAt.UTC())

	_, err = a.StoreSecret(ctx, secret)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = a.DeleteSecret(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	state, err = a.DeleteSecret(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, state.(interfaces.ReadyOwnerState).Vault.Secrets)
}

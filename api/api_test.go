package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedRequest(t *testing.T, method, target string, body []byte, device *cryptoutils.KeyPair, now time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	require.NoError(t, SignRequest(req, body, "account-1", device, now))
	return req
}

func TestVerifyRequest(t *testing.T) {
	device, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	body := []byte(`{"intent":"AccessPhrases"}`)

	t.Run("valid", func(t *testing.T) {
		req := signedRequest(t, http.MethodPost, "/v1/access?x=1", body, device, now)
		caller, err := VerifyRequest(req, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "account-1", caller.AccountID)
		assert.True(t, caller.DevicePublicKey.Equal(device.PublicKey()))

		var buf bytes.Buffer
		_, err = buf.ReadFrom(req.Body)
		require.NoError(t, err)
		assert.Equal(t, body, buf.Bytes(), "body is restored")
	})

	tests := []struct {
		name   string
		mutate func(r *http.Request)
		at     time.Time
	}{
		{"tampered body", func(r *http.Request) {
			r.Body = httpBody(`{"intent":"ReplacePolicy"}`)
		}, now},
		{"tampered query", func(r *http.Request) { r.URL.RawQuery = "x=2" }, now},
		{"tampered path", func(r *http.Request) { r.URL.Path = "/v1/lock" }, now},
		{"missing account", func(r *http.Request) { r.Header.Del(HeaderAccountID) }, now},
		{"bad key", func(r *http.Request) { r.Header.Set(HeaderDevicePublicKey, "abc") }, now},
		{"stale timestamp", func(r *http.Request) {}, now.Add(6 * time.Minute)},
		{"future timestamp", func(r *http.Request) {}, now.Add(-6 * time.Minute)},
		{"bad signature", func(r *http.Request) { r.Header.Set(HeaderSignature, "!!") }, now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedRequest(t, http.MethodPost, "/v1/access?x=1", body, device, now)
			tt.mutate(req)
			_, err := VerifyRequest(req, tt.at)
			assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
		})
	}
}

func httpBody(s string) *bodyCloser {
	return &bodyCloser{bytes.NewBufferString(s)}
}

type bodyCloser struct{ *bytes.Buffer }

func (bodyCloser) Close() error { return nil }

func TestErrorRoundTrip(t *testing.T) {
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{fmt.Errorf("unlock: %w", interfaces.ErrWrongPassword), http.StatusUnauthorized, "wrong_password"},
		{interfaces.ErrAccessOnAnotherDevice, http.StatusConflict, "access_on_another_device"},
		{fmt.Errorf("%w: %w", interfaces.ErrValidation, interfaces.ErrContinuity), http.StatusBadRequest, "continuity"},
		{interfaces.ErrUnderMaintenance, http.StatusServiceUnavailable, "under_maintenance"},
		{errors.New("boom"), http.StatusInternalServerError, ReasonInternal},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			reqErr := ErrorFor(tt.err)
			assert.Equal(t, tt.status, reqErr.StatusCode)
			assert.Equal(t, tt.reason, reqErr.Reason)

			body, err := json.Marshal(reqErr.Response())
			require.NoError(t, err)
			back := ErrorFromResponse(reqErr.StatusCode, body)
			if tt.reason == ReasonInternal {
				assert.ErrorIs(t, back, interfaces.ErrTransport)
				assert.NotContains(t, back.Error(), "boom")
				return
			}
			for _, r := range reasons {
				if r.reason == tt.reason {
					assert.ErrorIs(t, back, r.err)
				}
			}
		})
	}

	assert.ErrorIs(t, ErrorFromResponse(http.StatusServiceUnavailable, []byte("down")), interfaces.ErrUnderMaintenance)
	assert.ErrorIs(t, ErrorFromResponse(http.StatusBadGateway, nil), interfaces.ErrTransport)
}

func TestOwnerStateResponseJSON(t *testing.T) {
	seconds := int64(600)
	in := OwnerStateResponse{OwnerState: interfaces.ReadyOwnerState{
		AuthType:           interfaces.AuthTypePassword,
		UnlockedForSeconds: &seconds,
		Access:             interfaces.AnotherDeviceAccess{GUID: "g", Intent: interfaces.IntentAccessPhrases},
	}}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"Ready"`)

	var out OwnerStateResponse
	require.NoError(t, json.Unmarshal(data, &out))
	ready, ok := out.OwnerState.(interfaces.ReadyOwnerState)
	require.True(t, ok)
	assert.Equal(t, interfaces.AnotherDeviceAccess{GUID: "g", Intent: interfaces.IntentAccessPhrases}, ready.Access)
	assert.Equal(t, int64(600), *ready.UnlockedForSeconds)

	var proof AuthProofRequest
	require.NoError(t, json.Unmarshal([]byte(`{"proof":{"type":"Password","cryptographicPassword":"AQI="}}`), &proof))
	assert.Equal(t, interfaces.PasswordProof{CryptographicPassword: []byte{1, 2}}, proof.Proof)
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"proof":null}`), &proof), interfaces.ErrValidation)
}

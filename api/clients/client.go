package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/seedguard/api"
	"github.com/ruteri/seedguard/common"
	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
)

// DeviceKeySource returns the key that signs requests.
type DeviceKeySource interface {
	DeviceKey(ctx context.Context) (*cryptoutils.KeyPair, error)
}

// Client is the signed transport of one account on one device.
type Client struct {
	baseURL    string
	accountID  string
	keys       DeviceKeySource
	state      *common.ProcessState
	httpClient *http.Client
	now        func() time.Time
}

var (
	_ interfaces.OwnerAPI    = (*Client)(nil)
	_ interfaces.ApproverAPI = (*Client)(nil)
)

// NewClient creates a client for accountID. state may be nil.
//
// Parameters:
//   - baseURL: The base URL of the API (e.g., "http://localhost:8080")
//   - accountID: The account the device acts for
//   - keys: Source of the device signing key
//   - state: Process state receiving the maintenance mode
//   - timeout: Request timeout duration (optional, default 30 seconds)
func NewClient(baseURL, accountID string, keys DeviceKeySource, state *common.ProcessState, timeout ...time.Duration) *Client {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}
	return &Client{
		baseURL:   baseURL,
		accountID: accountID,
		keys:      keys,
		state:     state,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
		now: time.Now,
	}
}

// WithClock replaces the clock used for request timestamps.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// AccountID returns the account the client acts for.
func (c *Client) AccountID() string {
	return c.accountID
}

// do sends a signed request and decodes a successful response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	device, err := c.keys.DeviceKey(ctx)
	if err != nil {
		return err
	}
	if err := api.SignRequest(req, body, c.accountID, device, c.now()); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", interfaces.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, api.MaxBodySize))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", interfaces.ErrTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		reqErr := api.ErrorFromResponse(resp.StatusCode, respBody)
		if errors.Is(reqErr, interfaces.ErrUnderMaintenance) && c.state != nil {
			c.state.SetMaintenance(true)
		}
		return reqErr
	}
	if c.state != nil {
		c.state.SetMaintenance(false)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: failed to parse response: %v", interfaces.ErrTransport, err)
	}
	return nil
}

func (c *Client) ownerState(ctx context.Context, method, path string, in any) (interfaces.OwnerState, error) {
	var resp api.OwnerStateResponse
	if err := c.do(ctx, method, path, in, &resp); err != nil {
		return nil, err
	}
	return resp.OwnerState, nil
}

func (c *Client) GetUser(ctx context.Context) (*interfaces.UserState, error) {
	var user interfaces.UserState
	if err := c.do(ctx, http.MethodGet, "/v1/user", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) GetFeatureFlags(ctx context.Context) (interfaces.FeatureFlags, error) {
	var flags interfaces.FeatureFlags
	err := c.do(ctx, http.MethodGet, "/v1/feature-flags", nil, &flags)
	return flags, err
}

func (c *Client) EnrollPassword(ctx context.Context, proof interfaces.PasswordProof) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodPost, "/v1/authentication/password", proof)
}

func (c *Client) EnrollBiometry(ctx context.Context, proof interfaces.BiometricProof) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodPost, "/v1/authentication/biometry", proof)
}

func (c *Client) Unlock(ctx context.Context, proof interfaces.AuthProof) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodPost, "/v1/unlock", api.AuthProofRequest{Proof: proof})
}

func (c *Client) ProlongUnlock(ctx context.Context) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodPost, "/v1/unlock-extension", nil)
}

func (c *Client) Lock(ctx context.Context) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodPost, "/v1/lock", nil)
}

func (c *Client) CreatePolicySetup(ctx context.Context, req interfaces.PolicySetupRequest) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodPut, "/v1/policy-setup", req)
}

func (c *Client) ConfirmApprover(ctx context.Context, participantID interfaces.ParticipantId, confirmation interfaces.ApproverConfirmation) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodPost, "/v1/policy-setup/approvers/"+participantID.String()+"/confirmation", confirmation)
}

func (c *Client) RejectApproverVerification(ctx context.Context, participantID interfaces.ParticipantId) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodPost, "/v1/policy-setup/approvers/"+participantID.String()+"/rejection", nil)
}

func (c *Client) CreateOrReplacePolicy(ctx context.Context, req interfaces.CreatePolicyRequest) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodPut, "/v1/policy", req)
}

func (c *Client) StoreSecret(ctx context.Context, secret interfaces.VaultSecret) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodPost, "/v1/vault/secrets", secret)
}

func (c *Client) DeleteSecret(ctx context.Context, guid string) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodDelete, "/v1/vault/secrets/"+url.PathEscape(guid), nil)
}

func (c *Client) RequestAccess(ctx context.Context, intent interfaces.AccessIntent) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodPost, "/v1/access", api.RequestAccessRequest{Intent: intent})
}

func (c *Client) SubmitAccessVerification(ctx context.Context, participantID interfaces.ParticipantId, verification interfaces.OwnerVerification) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodPost, "/v1/access/approvals/"+participantID.String()+"/verification", verification)
}

func (c *Client) RetrieveShards(ctx context.Context, proof interfaces.AuthProof) ([]interfaces.EncryptedShard, error) {
	var resp api.RetrieveShardsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/access/retrieval", api.AuthProofRequest{Proof: proof}, &resp); err != nil {
		return nil, err
	}
	return resp.Shards, nil
}

func (c *Client) DeleteAccess(ctx context.Context) (interfaces.OwnerState, error) {
	return c.ownerState(ctx, http.MethodDelete, "/v1/access", nil)
}

package clients

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ruteri/seedguard/api"
	"github.com/ruteri/seedguard/interfaces"
)

func invitationPath(invitationID, action string) string {
	return "/v1/invitations/" + url.PathEscape(invitationID) + "/" + action
}

func approvalPath(approvalID, action string) string {
	return "/v1/approvals/" + url.PathEscape(approvalID) + "/" + action
}

func (c *Client) AcceptInvitation(ctx context.Context, invitationID, token string) (interfaces.ApproverRole, error) {
	var role interfaces.ApproverRole
	err := c.do(ctx, http.MethodPost, invitationPath(invitationID, "accept"), api.AcceptInvitationRequest{Token: token}, &role)
	return role, err
}

func (c *Client) DeclineInvitation(ctx context.Context, invitationID string) error {
	return c.do(ctx, http.MethodPost, invitationPath(invitationID, "decline"), nil, nil)
}

func (c *Client) SubmitApproverVerification(ctx context.Context, invitationID string, verification interfaces.ApproverVerification) error {
	return c.do(ctx, http.MethodPost, invitationPath(invitationID, "verification"), verification, nil)
}

func (c *Client) ListApprovals(ctx context.Context) ([]interfaces.ApproverAccessRequest, error) {
	var resp api.ListApprovalsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/approvals", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Approvals, nil
}

func (c *Client) AcknowledgeApproval(ctx context.Context, approvalID string, encryptedTotpSecret []byte) error {
	return c.do(ctx, http.MethodPost, approvalPath(approvalID, "acknowledge"), api.AcknowledgeApprovalRequest{EncryptedTotpSecret: encryptedTotpSecret}, nil)
}

func (c *Client) ApproveAccess(ctx context.Context, approvalID string, encryptedShard []byte) error {
	return c.do(ctx, http.MethodPost, approvalPath(approvalID, "approval"), api.ApproveAccessRequest{EncryptedShard: encryptedShard}, nil)
}

func (c *Client) RejectAccessVerification(ctx context.Context, approvalID string) error {
	return c.do(ctx, http.MethodPost, approvalPath(approvalID, "verification-rejection"), nil, nil)
}

func (c *Client) RejectAccess(ctx context.Context, approvalID string) error {
	return c.do(ctx, http.MethodPost, approvalPath(approvalID, "rejection"), nil, nil)
}

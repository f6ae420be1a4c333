package enrollment

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
)

// InvitationTTL is how long an invitation token stays valid.
const InvitationTTL = 7 * 24 * time.Hour

// InvitationClaims is the payload of an invitation link.
type InvitationClaims struct {
	InvitationID   string                   `json:"inv"`
	ParticipantID  interfaces.ParticipantId `json:"pid"`
	OwnerDeviceKey cryptoutils.PublicKey    `json:"opk"`
	Label          string                   `json:"lbl"`
	jwt.RegisteredClaims
}

// NewInvitationToken issues an ES256 token signed by the owner device key.
func NewInvitationToken(device *cryptoutils.KeyPair, invitationID string, participantID interfaces.ParticipantId, label string, now time.Time) (string, error) {
	if invitationID == "" {
		return "", errors.New("invitation id is required")
	}
	claims := InvitationClaims{
		InvitationID:   invitationID,
		ParticipantID:  participantID,
		OwnerDeviceKey: device.PublicKey(),
		Label:          label,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(InvitationTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(device.ECDSA())
	if err != nil {
		return "", fmt.Errorf("failed to sign invitation: %w", err)
	}
	return token, nil
}

// ParseInvitationToken verifies a token against the owner device key it
// names. Callers that know the owner's registered device keys must also
// check OwnerDeviceKey against them.
func ParseInvitationToken(token string, now time.Time) (*InvitationClaims, error) {
	claims := &InvitationClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*InvitationClaims)
		if !ok || len(c.OwnerDeviceKey) == 0 {
			return nil, errors.New("missing owner key")
		}
		return c.OwnerDeviceKey.ECDSAPublicKey()
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: invitation: %v", interfaces.ErrValidation, err)
	}
	if claims.InvitationID == "" || claims.ParticipantID.IsZero() {
		return nil, fmt.Errorf("%w: invitation is incomplete", interfaces.ErrValidation)
	}
	return claims, nil
}

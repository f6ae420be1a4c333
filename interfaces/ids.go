package interfaces

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ParticipantId identifies one approver slot in a policy. It is generated
// randomly by the owner device and never changes.
type ParticipantId [32]byte

// NewParticipantId returns a random participant id.
func NewParticipantId() (ParticipantId, error) {
	var id ParticipantId
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("failed to generate participant id: %w", err)
	}
	return id, nil
}

// ParseParticipantId decodes a 64-character hex id, with or without 0x prefix.
func ParseParticipantId(source string) (ParticipantId, error) {
	var id ParticipantId
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return id, errors.New("invalid participant id length: hex string must be 64 characters")
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return id, fmt.Errorf("invalid participant id: %w", err)
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the hex representation.
func (p ParticipantId) String() string {
	return hex.EncodeToString(p[:])
}

// Bytes returns the raw id.
func (p ParticipantId) Bytes() []byte {
	return p[:]
}

// IsZero reports whether the id is unset.
func (p ParticipantId) IsZero() bool {
	return p == ParticipantId{}
}

func (p ParticipantId) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *ParticipantId) UnmarshalText(text []byte) error {
	id, err := ParseParticipantId(string(text))
	if err != nil {
		return err
	}
	*p = id
	return nil
}

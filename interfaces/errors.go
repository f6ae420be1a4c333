package interfaces

import (
	"errors"

	"github.com/ruteri/seedguard/cryptoutils"
)

// ErrorKind groups errors by how callers are expected to react to them.
type ErrorKind int

const (
	// KindUnknown is any error not rooted in a sentinel of this package.
	KindUnknown ErrorKind = iota

	// KindCryptographic errors are fatal to the current operation.
	KindCryptographic

	// KindProtocolState errors are recovered by transitioning local state
	// (deleting a stale record, refreshing) and retrying.
	KindProtocolState

	// KindTransport errors are surfaced for user-visible retry.
	KindTransport

	// KindValidation errors are server-side rejections of a request.
	KindValidation

	// KindIrrecoverable errors abort the whole multi-step operation.
	KindIrrecoverable
)

func (k ErrorKind) String() string {
	switch k {
	case KindCryptographic:
		return "cryptographic"
	case KindProtocolState:
		return "protocol_state"
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindIrrecoverable:
		return "irrecoverable"
	default:
		return "unknown"
	}
}

var (
	ErrSignatureVerification = cryptoutils.ErrSignatureVerification
	ErrDecryption            = cryptoutils.ErrDecryption
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrShardMismatch         = errors.New("reconstructed key does not match the expected public key")
	ErrContinuity            = errors.New("signature by previous intermediate key does not verify")

	ErrIntentMismatch        = errors.New("access record exists with a different intent")
	ErrAccessOnAnotherDevice = errors.New("access record is owned by another device")
	ErrPolicySetupRequired   = errors.New("policy setup absent")
	ErrPolicyRequired        = errors.New("no active policy")
	ErrAccessRequired        = errors.New("no active access record")
	ErrAccessNotAvailable    = errors.New("access record is not available")
	ErrAccessExpired         = errors.New("access record expired")
	ErrInvalidTransition     = errors.New("transition not allowed in current state")
	ErrNotFound              = errors.New("not found")

	ErrWrongPassword     = errors.New("wrong password")
	ErrAuthTypeMismatch  = errors.New("auth proof does not match account auth type")
	ErrBiometryFailed    = errors.New("biometric verification failed")
	ErrBiometryCancelled = errors.New("biometric capture cancelled")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrLocked            = errors.New("session locked")
	ErrValidation        = errors.New("invalid request")

	ErrUnderMaintenance = errors.New("under maintenance")
	ErrTransport        = errors.New("transport failure")

	ErrCorruptDeviceKey            = errors.New("device key is corrupt")
	ErrCannotVerifyKeyConfirmation = errors.New("cannot verify key confirmation")
	ErrKeyNotFound                 = errors.New("key not found")
	ErrUnknownVariant              = errors.New("unknown variant")
)

// Order matters: irrecoverable errors win over the cryptographic cause they
// may wrap.
var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrCorruptDeviceKey, KindIrrecoverable},
	{ErrCannotVerifyKeyConfirmation, KindIrrecoverable},

	{ErrSignatureVerification, KindCryptographic},
	{ErrDecryption, KindCryptographic},
	{ErrInsufficientShares, KindCryptographic},
	{ErrShardMismatch, KindCryptographic},
	{ErrContinuity, KindCryptographic},

	{ErrIntentMismatch, KindProtocolState},
	{ErrAccessOnAnotherDevice, KindProtocolState},
	{ErrPolicySetupRequired, KindProtocolState},
	{ErrPolicyRequired, KindProtocolState},
	{ErrAccessRequired, KindProtocolState},
	{ErrAccessNotAvailable, KindProtocolState},
	{ErrAccessExpired, KindProtocolState},
	{ErrInvalidTransition, KindProtocolState},
	{ErrNotFound, KindProtocolState},
	{ErrKeyNotFound, KindProtocolState},

	{ErrWrongPassword, KindValidation},
	{ErrAuthTypeMismatch, KindValidation},
	{ErrBiometryFailed, KindValidation},
	{ErrBiometryCancelled, KindValidation},
	{ErrUnauthorized, KindValidation},
	{ErrLocked, KindValidation},
	{ErrValidation, KindValidation},
	{ErrUnknownVariant, KindValidation},

	{ErrUnderMaintenance, KindTransport},
	{ErrTransport, KindTransport},
}

// KindOf classifies an error chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return KindUnknown
}

// IsRetryable reports whether an operation failing with err may succeed if
// repeated unchanged.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindUnknown:
		return true
	default:
		return false
	}
}

// Package interfaces defines the data model and the contracts shared by the
// client-side protocol machines and the reference server.
//
// # Tagged unions
//
// OwnerState, ApproverStatus, AccessRecord and AuthProof are closed sum types.
// Each variant implements an unexported marker method, so only this package
// can add variants, and switches over them end with a default branch that
// reports ErrUnknownVariant. On the wire every variant is a JSON object with a
// "type" tag naming the variant.
//
// # Errors
//
// errors.go holds the sentinel errors and KindOf, which classifies an error
// chain as cryptographic, protocol-state, transport, validation or
// irrecoverable.
package interfaces

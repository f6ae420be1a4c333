// Package access runs the time-gated access/recovery flow.
//
// The owner side (Machine) opens one access record per account with an
// intent, proves to each approver that it is talking to the owner by signing
// the approver's current TOTP code, and tracks a local countdown once the
// record becomes available. The approver side (Approver) acknowledges a
// request, checks the owner's signed code and releases its shard re-encrypted
// to the requesting device key.
package access

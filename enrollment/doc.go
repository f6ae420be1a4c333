// Package enrollment turns prospect approvers into confirmed participants.
//
// Each prospect moves through
//
//	Initial -> Accepted -> VerificationSubmitted -> Confirmed
//
// with Declined reachable from any non-terminal status. The owner device
// generates a TOTP secret per prospect and keeps it wrapped to its own device
// key; the owner reads the current code to the approver, who signs
// code || timeMillis with a fresh participant key. The owner checks that
// signature against the codes at timeMillis and one period either side and
// answers with a confirmation signature over
// approverPublicKey || participantId || timeMillis, made with its device key.
// Confirmation and rejection calls are retried until they land.
package enrollment

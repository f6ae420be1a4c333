/*
Package clients provides the signed HTTP client of the owner and approver API.

Client implements both interfaces.OwnerAPI and interfaces.ApproverAPI against
a server mounted with ownerapi.Handler. Every request carries the account id,
the device public key and an ECDSA signature over the canonical request built
by api.CanonicalRequest.

# Errors

Failed responses are decoded with api.ErrorFromResponse, so callers can match
the interfaces sentinels with errors.Is:

	state, err := client.RequestAccess(ctx, interfaces.IntentAccessPhrases)
	if errors.Is(err, interfaces.ErrAccessOnAnotherDevice) {
	    // ask the user to cancel the request on the other device
	}

A 503 without a parseable body reports interfaces.ErrUnderMaintenance. The
client mirrors the maintenance mode into the common.ProcessState it was
given: it is set by a maintenance response and cleared by the next success.

# Example Usage

	keys := storage.NewKeyManager(keystore, log)
	client := clients.NewClient("https://api.example.com", accountID, keys, state, 30*time.Second)

	user, err := client.GetUser(ctx)
*/
package clients

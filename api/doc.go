/*
Package api holds the wire contract shared by the seedguard server and its clients.

# Request signing

Every request is authenticated by a detached ECDSA signature made with the
calling device key over the canonical request:

	METHOD "\n" PATH "\n" RAWQUERY "\n" TIMESTAMP "\n" BODY

The signature and its inputs travel in the X-Account-ID, X-Device-Public-Key,
X-Timestamp (unix milliseconds) and X-Signature (base64) headers. Requests
whose timestamp is further than MaxClockSkew from the server clock are
rejected.

# Errors

Failed requests answer with a JSON body {"reason", "message"}. The reason is a
stable identifier that clients map back to the sentinel errors of the
interfaces package, so errors.Is works across the wire.

# Subpackages

  - clients: signed HTTP client implementing interfaces.OwnerAPI and interfaces.ApproverAPI
  - ownerapi: reference server handler for the same routes
*/
package api

package api

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
)

const (
	HeaderAccountID       = "X-Account-ID"
	HeaderDevicePublicKey = "X-Device-Public-Key"
	HeaderTimestamp       = "X-Timestamp"
	HeaderSignature       = "X-Signature"

	// MaxClockSkew bounds the distance between a request timestamp and the
	// server clock.
	MaxClockSkew = 5 * time.Minute

	// MaxBodySize bounds signed request bodies.
	MaxBodySize = 1 << 20
)

// CanonicalRequest builds the message a device signs for a request.
func CanonicalRequest(method, path, rawQuery string, timestampMillis int64, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(method)
	buf.WriteByte('\n')
	buf.WriteString(path)
	buf.WriteByte('\n')
	buf.WriteString(rawQuery)
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatInt(timestampMillis, 10))
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes()
}

// SignRequest sets the authentication headers on req. body must be the exact
// bytes sent as the request body.
func SignRequest(req *http.Request, body []byte, accountID string, device *cryptoutils.KeyPair, now time.Time) error {
	ts := now.UnixMilli()
	sig, err := device.Sign(CanonicalRequest(req.Method, req.URL.Path, req.URL.RawQuery, ts, body))
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	req.Header.Set(HeaderAccountID, accountID)
	req.Header.Set(HeaderDevicePublicKey, device.PublicKey().String())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	return nil
}

// Caller identifies the account and device of a verified request.
type Caller struct {
	AccountID       string
	DevicePublicKey cryptoutils.PublicKey
}

// VerifyRequest checks the signature headers of r against its body and
// returns the caller. The body is read and restored for later handlers.
func VerifyRequest(r *http.Request, now time.Time) (Caller, error) {
	accountID := r.Header.Get(HeaderAccountID)
	if accountID == "" {
		return Caller{}, fmt.Errorf("%w: missing %s", interfaces.ErrUnauthorized, HeaderAccountID)
	}
	devicePub, err := cryptoutils.ParsePublicKey(r.Header.Get(HeaderDevicePublicKey))
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, err)
	}
	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return Caller{}, fmt.Errorf("%w: invalid timestamp", interfaces.ErrUnauthorized)
	}
	skew := now.Sub(time.UnixMilli(ts))
	if skew > MaxClockSkew || skew < -MaxClockSkew {
		return Caller{}, fmt.Errorf("%w: timestamp outside allowed skew", interfaces.ErrUnauthorized)
	}
	sig, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderSignature))
	if err != nil {
		return Caller{}, fmt.Errorf("%w: invalid signature encoding", interfaces.ErrUnauthorized)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
		if err != nil {
			return Caller{}, fmt.Errorf("%w: failed to read body: %v", interfaces.ErrValidation, err)
		}
		if len(body) > MaxBodySize {
			return Caller{}, fmt.Errorf("%w: body too large", interfaces.ErrValidation)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := devicePub.Verify(CanonicalRequest(r.Method, r.URL.Path, r.URL.RawQuery, ts, body), sig); err != nil {
		return Caller{}, fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, err)
	}
	return Caller{AccountID: accountID, DevicePublicKey: devicePub}, nil
}

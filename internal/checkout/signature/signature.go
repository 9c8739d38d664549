// Package signature signs and verifies checkout webhook deliveries.
//
// The header has the form "t=<unix seconds>,v1=<hex hmac>" where the HMAC
// is SHA-256 over "<t>.<raw body>". Several v1 values may be present while
// a secret is rotated.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const Header = "X-Checkout-Signature"

var (
	ErrMissing = errors.New("signature_missing")
	ErrInvalid = errors.New("signature_invalid")
	ErrExpired = errors.New("signature_expired")
)

// Sign returns the header value for payload signed at ts.
func Sign(secret string, ts time.Time, payload []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", unix, compute(secret, unix, payload))
}

// Verify checks the signature header against payload. Timestamps further
// than skew from now are rejected to bound replays.
func Verify(secret string, headers http.Header, payload []byte, now time.Time, skew time.Duration) error {
	value := strings.TrimSpace(headers.Get(Header))
	if value == "" {
		return ErrMissing
	}
	unix, signatures, err := parse(value)
	if err != nil {
		return ErrInvalid
	}
	seconds, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return ErrInvalid
	}
	if skew > 0 {
		delta := now.Sub(time.Unix(seconds, 0))
		if delta < 0 {
			delta = -delta
		}
		if delta > skew {
			return ErrExpired
		}
	}

	expected := compute(secret, unix, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalid
}

func compute(secret, unix string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(unix))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parse(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			timestamp = strings.TrimSpace(value)
		case "v1":
			signatures = append(signatures, strings.TrimSpace(value))
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, ErrInvalid
	}
	return timestamp, signatures, nil
}

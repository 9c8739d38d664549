package signature

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1760000000, 0)
	payload := []byte(`{"id":"evt_1"}`)
	headers := http.Header{}
	headers.Set(Header, Sign("whsec", now, payload))

	assert.NoError(t, Verify("whsec", headers, payload, now.Add(time.Minute), 5*time.Minute))
	assert.ErrorIs(t, Verify("other", headers, payload, now, 5*time.Minute), ErrInvalid)
	assert.ErrorIs(t, Verify("whsec", headers, []byte(`{"id":"evt_2"}`), now, 5*time.Minute), ErrInvalid)
	assert.ErrorIs(t, Verify("whsec", headers, payload, now.Add(10*time.Minute), 5*time.Minute), ErrExpired)
	assert.ErrorIs(t, Verify("whsec", headers, payload, now.Add(-10*time.Minute), 5*time.Minute), ErrExpired)
}

func TestVerifyAcceptsAnyRotatedSignature(t *testing.T) {
	now := time.Unix(1760000000, 0)
	payload := []byte(`{}`)
	headers := http.Header{}
	headers.Set(Header, "t=1760000000,v1=deadbeef,v1="+compute("whsec", "1760000000", payload))

	assert.NoError(t, Verify("whsec", headers, payload, now, time.Minute))
}

func TestVerifyMalformedHeaders(t *testing.T) {
	now := time.Unix(1760000000, 0)
	payload := []byte(`{}`)

	assert.ErrorIs(t, Verify("whsec", http.Header{}, payload, now, time.Minute), ErrMissing)

	for _, value := range []string{"garbage", "t=1760000000", "v1=abc", "t=soon,v1=abc"} {
		headers := http.Header{}
		headers.Set(Header, value)
		assert.ErrorIs(t, Verify("whsec", headers, payload, now, time.Minute), ErrInvalid, value)
	}
}

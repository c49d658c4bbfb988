package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Signature header format: "t=<unix seconds>,v1=<hex HMAC-SHA256>", where the
// MAC covers "<unix seconds>.<raw body>".

var (
	ErrSignatureMalformed = errors.New("webhooks: malformed signature header")
	ErrSignatureMismatch  = errors.New("webhooks: signature mismatch")
	ErrSignatureExpired   = errors.New("webhooks: signature timestamp outside tolerance")
)

// SignHMAC returns the X-Signature header value for body sent at ts.
func SignHMAC(secret string, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + hex.EncodeToString(mac(secret, unix, body))
}

// VerifyHMAC checks a header produced by SignHMAC. Receivers call it with the
// subscription secret, the X-Signature header and the raw request body before
// decoding. A tolerance of zero skips the timestamp check.
func VerifyHMAC(secret, header string, body []byte, tolerance time.Duration, now time.Time) error {
	var unix, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrSignatureMalformed
		}
		switch k {
		case "t":
			unix = v
		case "v1":
			sig = v
		}
	}
	sec, err := strconv.ParseInt(unix, 10, 64)
	if err != nil || sig == "" {
		return ErrSignatureMalformed
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrSignatureMalformed
	}
	if !hmac.Equal(mac(secret, unix, body), got) {
		return ErrSignatureMismatch
	}
	if tolerance > 0 {
		if d := now.Sub(time.Unix(sec, 0)); d > tolerance || d < -tolerance {
			return ErrSignatureExpired
		}
	}
	return nil
}

func mac(secret, unix string, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(unix))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}

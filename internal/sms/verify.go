package sms

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// VerifyTwilioSignature checks X-Twilio-Signature: HMAC-SHA1 over the full
// request URL followed by the POST params sorted by key, base64 encoded,
// compared in constant time.
func VerifyTwilioSignature(r *http.Request, authToken, requestURL string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || authToken == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	expected := computeTwilioSignature(requestURL, r.PostForm, authToken)
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

func computeTwilioSignature(rawURL string, params url.Values, authToken string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(rawURL)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// telnyxMaxSkew bounds how stale a signed webhook timestamp may be.
const telnyxMaxSkew = 5 * time.Minute

// VerifyTelnyxSignature checks the Ed25519 signature Telnyx puts on every
// webhook: the key signs "timestamp|rawBody". The timestamp must be within
// telnyxMaxSkew of now.
func VerifyTelnyxSignature(publicKeyB64, timestamp string, body []byte, signatureB64 string, now time.Time) bool {
	if publicKeyB64 == "" || timestamp == "" || signatureB64 == "" {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > telnyxMaxSkew || skew < -telnyxMaxSkew {
		return false
	}

	signed := make([]byte, 0, len(timestamp)+1+len(body))
	signed = append(signed, timestamp...)
	signed = append(signed, '|')
	signed = append(signed, body...)
	return ed25519.Verify(ed25519.PublicKey(pub), signed, sig)
}

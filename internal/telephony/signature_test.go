package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signedRouter(skip bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/twilio/call-status",
		RequireTwilioSignature("token", "https://api.example.com/", skip),
		func(c *gin.Context) { c.Status(http.StatusOK) },
	)
	return r
}

func TestSignatureAccepted(t *testing.T) {
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}}
	req := formRequest(form)
	req.Header.Set(SignatureHeader, sign("token", "https://api.example.com/webhooks/twilio/call-status", form))

	w := httptest.NewRecorder()
	signedRouter(false).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSignatureRejected(t *testing.T) {
	form := url.Values{"CallSid": {"CA1"}}
	req := formRequest(form)
	req.Header.Set(SignatureHeader, sign("other", "https://api.example.com/webhooks/twilio/call-status", form))

	w := httptest.NewRecorder()
	signedRouter(false).ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	signedRouter(false).ServeHTTP(w, formRequest(form))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without header, got %d", w.Code)
	}
}

func TestSignatureSkipped(t *testing.T) {
	w := httptest.NewRecorder()
	signedRouter(true).ServeHTTP(w, formRequest(url.Values{"CallSid": {"CA1"}}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 when skipped, got %d", w.Code)
	}
}

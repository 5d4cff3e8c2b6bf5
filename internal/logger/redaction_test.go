package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactBotToken(t *testing.T) {
	r := NewRedactor()

	out := r.Redact("token is 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw failed")
	assert.NotContains(t, out, "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw")
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactBotAPIURL(t *testing.T) {
	r := NewRedactor()

	out := r.Redact("GET https://api.telegram.org/bot123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw/getUpdates")
	assert.NotContains(t, out, "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw")
}

func TestRedactLoginLink(t *testing.T) {
	r := NewRedactor()

	out := r.Redact("sent https://tt.example.com/auth/login?token=V1StGXR8_Z5jdHi6BmyT")
	assert.NotContains(t, out, "V1StGXR8_Z5jdHi6BmyT")
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactRecoveryPayload(t *testing.T) {
	r := NewRedactor()

	out := r.Redact("payload setup_recovery_abc123_1700000000-deadbeefdeadbeef received")
	assert.NotContains(t, out, "1700000000-deadbeefdeadbeef")
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactBearerToken(t *testing.T) {
	r := NewRedactor()

	out := r.Redact(`Authorization: Bearer super.secret-value`)
	assert.NotContains(t, out, "super.secret-value")
}

func TestRedactLeavesNormalTextAlone(t *testing.T) {
	r := NewRedactor()

	msg := "event abc123 connected to chat -100123"
	assert.Equal(t, msg, r.Redact(msg))
}

func TestAddPattern(t *testing.T) {
	r := NewRedactor()

	require.NoError(t, r.AddPattern(`card-\d+`))
	assert.NotContains(t, r.Redact("paid with card-4111"), "card-4111")

	assert.Error(t, r.AddPattern(`(`))
}

func TestRedactingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactor().Wrap(&buf)

	_, err := w.Write([]byte(`{"msg":"link token=abcDEF123"}`))
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "abcDEF123")
	assert.Contains(t, buf.String(), "[REDACTED]")
}

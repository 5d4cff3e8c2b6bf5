// Package token implements the two credential services of the integration
// layer: stateless HMAC-signed recovery tokens carried in deep links, and
// stateful single-use login tokens exchanged for a session.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RecoveryTTL is the validity window of a recovery token, checked against
// wall-clock time at verification.
const RecoveryTTL = 15 * time.Minute

// RecoverySigner issues and verifies stateless recovery tokens.
// Token format: <unix-timestamp>-<hex hmac-sha256(secret, slug+":"+timestamp)>.
// Nothing is persisted; the token reconstructs itself on verification.
type RecoverySigner struct {
	secret []byte
}

// NewRecoverySigner creates a signer. The secret is required; callers must
// fail startup when it is absent rather than substituting a default.
func NewRecoverySigner(secret string) (*RecoverySigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("recovery signing secret is required")
	}
	return &RecoverySigner{secret: []byte(secret)}, nil
}

// Generate creates a recovery token for the given event slug at time now.
func (s *RecoverySigner) Generate(slug string, now time.Time) string {
	ts := now.Unix()
	return fmt.Sprintf("%d-%s", ts, s.sign(slug, ts))
}

// Verify reports whether the token is authentic for the slug and unexpired
// at time now. It never mutates state and never distinguishes why
// verification failed.
func (s *RecoverySigner) Verify(slug, token string, now time.Time) bool {
	sep := strings.Index(token, "-")
	if sep <= 0 {
		return false
	}

	ts, err := strconv.ParseInt(token[:sep], 10, 64)
	if err != nil {
		return false
	}

	if now.Unix() > ts+int64(RecoveryTTL.Seconds()) {
		return false
	}

	expected := s.sign(slug, ts)
	return subtle.ConstantTimeCompare([]byte(token[sep+1:]), []byte(expected)) == 1
}

func (s *RecoverySigner) sign(slug string, ts int64) string {
	h := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(h, "%s:%d", slug, ts)
	return hex.EncodeToString(h.Sum(nil))
}

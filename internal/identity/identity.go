// Package identity derives per-user isolation keys and worker report tokens.
package identity

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/ashureev/dailysolve/internal/domain"
)

const (
	userIDPrefix    = "user_"
	maxUserIDLength = 50
	identityPrefix  = "id_"
)

var userIDPattern = regexp.MustCompile(`^user_[A-Za-z0-9._:-]+$`)

// Deriver maps submitted user ids to opaque identities with a keyed hash,
// so the cleartext id never needs to be stored.
type Deriver struct {
	key []byte
}

// NewDeriver creates a Deriver. Secrets longer than a blake2b key are
// compressed first.
func NewDeriver(secret string) (*Deriver, error) {
	if secret == "" {
		return nil, fmt.Errorf("identity secret is empty")
	}
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Deriver{key: key}, nil
}

// Derive returns the identity for userID.
func (d *Deriver) Derive(userID string) domain.Identity {
	h, err := blake2b.New256(d.key)
	if err != nil {
		// Only possible for keys over 64 bytes, which NewDeriver prevents.
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	h.Write([]byte(userID))
	return domain.Identity(identityPrefix + hex.EncodeToString(h.Sum(nil)[:16]))
}

// ValidateUserID checks the submitted user id format.
func ValidateUserID(userID string) error {
	switch {
	case userID == "":
		return domain.NewError(domain.KindInvalidRequest, "user_id is required")
	case len(userID) > maxUserIDLength:
		return domain.NewError(domain.KindInvalidRequest, "user_id must be at most %d characters", maxUserIDLength)
	case !strings.HasPrefix(userID, userIDPrefix):
		return domain.NewError(domain.KindInvalidRequest, `user_id must start with "user_"`)
	case !userIDPattern.MatchString(userID):
		return domain.NewError(domain.KindInvalidRequest, "user_id contains invalid characters")
	}
	return nil
}

// IPFromRequest returns a normalized remote IP. chi's RealIP middleware
// has already applied forwarding headers to RemoteAddr.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

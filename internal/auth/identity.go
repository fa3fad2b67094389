package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Identity is the signed-in user as described by the token's claims. The
// signature is not verified; this is for display only.
type Identity struct {
	Name      string    `json:"name"`
	UPN       string    `json:"upn"`
	TenantID  string    `json:"tenant_id"`
	ObjectID  string    `json:"object_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token expiry has passed at now.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

type claims struct {
	Name              string `json:"name"`
	UPN               string `json:"upn"`
	UniqueName        string `json:"unique_name"`
	PreferredUsername string `json:"preferred_username"`
	TID               string `json:"tid"`
	OID               string `json:"oid"`
	Exp               int64  `json:"exp"`
}

// ParseIdentity decodes the payload segment of a JWT-shaped token.
func ParseIdentity(t Token) (Identity, error) {
	parts := strings.Split(t.Value(), ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Identity{}, fmt.Errorf("token is not a three-segment JWT")
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return Identity{}, fmt.Errorf("decode token payload: %w", err)
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Identity{}, fmt.Errorf("parse token claims: %w", err)
	}

	id := Identity{
		Name:     c.Name,
		UPN:      firstNonEmpty(c.UPN, c.PreferredUsername, c.UniqueName),
		TenantID: c.TID,
		ObjectID: c.OID,
	}
	if c.Exp > 0 {
		id.ExpiresAt = time.Unix(c.Exp, 0).UTC()
	}
	return id, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

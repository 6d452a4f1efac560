package models

import "strings"

// ClaimPrivileged is the claim required by privileged capabilities and by
// the admin surface.
const ClaimPrivileged = "privileged"

// Claims are verified caller attributes supplied by the external identity
// layer. The server never verifies credentials itself; it trusts the
// claims header set by the gateway in front of it.
type Claims struct {
	SubjectID string
	Values    map[string]bool
}

// ParseClaimsHeader parses the comma-separated X-Claims header. The
// optional "sub=<id>" entry carries the caller identity.
func ParseClaimsHeader(header string) Claims {
	claims := Claims{Values: make(map[string]bool)}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(part, "sub="); ok {
			claims.SubjectID = rest
			continue
		}
		claims.Values[strings.ToLower(part)] = true
	}
	return claims
}

// Has reports whether the caller carries the named claim.
func (c Claims) Has(name string) bool { return c.Values[name] }

// Allows checks the caller against a capability security class.
func (c Claims) Allows(class SecurityClass) bool {
	switch class {
	case SecurityPrivileged:
		return c.Has(ClaimPrivileged)
	case SecurityAuthenticated:
		return c.SubjectID != "" || len(c.Values) > 0
	default: // public, or unset
		return true
	}
}

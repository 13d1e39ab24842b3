// ABOUTME: Deterministic mapping from tenant identifier to gateway session name
// ABOUTME: Strips separators, takes a fixed-length prefix and prepends a namespace tag

package identity

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidTenantID is returned for an empty tenant identifier or one that
// yields a degenerate session name.
var ErrInvalidTenantID = errors.New("invalid tenant id")

const (
	// DefaultNamespace tags every derived session name.
	DefaultNamespace = "ws_"
	// DefaultPrefixLength is the number of tenant characters kept.
	DefaultPrefixLength = 12
	// ReservedName is the session name used by single-tenant deployments.
	ReservedName = "default"
)

// Namer derives session names. The zero value uses the defaults.
type Namer struct {
	Namespace    string
	PrefixLength int
}

// NameFor derives a session name with the default namespace and prefix length.
func NameFor(tenantID string) (string, error) {
	return Namer{}.NameFor(tenantID)
}

// NameFor returns namespace + the first PrefixLength lower-cased alphanumeric
// characters of tenantID. Results shorter than the prefix length are kept as-is
// so short identifiers still map deterministically.
func (n Namer) NameFor(tenantID string) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}

	ns := n.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	size := n.PrefixLength
	if size <= 0 {
		size = DefaultPrefixLength
	}

	var b strings.Builder
	for _, r := range strings.ToLower(tenantID) {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		b.WriteRune(r)
		if b.Len() == size {
			break
		}
	}

	name := ns + b.String()
	if name == ns || name == ReservedName {
		return "", fmt.Errorf("%w: %q yields degenerate session name %q", ErrInvalidTenantID, tenantID, name)
	}
	return name, nil
}

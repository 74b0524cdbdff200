// Package idgen generates identifiers for ledger rows.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 v4 identifier.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dashless random identifier
// (e.g. "esc_3f2a...").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

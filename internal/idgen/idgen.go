// Package idgen generates identifiers and external payment references.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 random hex chars (e.g. "ord_", "wd_").
func WithPrefix(prefix string) string {
	return prefix + compact()[:24]
}

// Reference returns an uppercase payment reference such as
// "ORDER-5F0C2A9B31D84E7A". The prefix tells the reconciler which
// correlation branch a provider callback belongs to.
func Reference(prefix string) string {
	return prefix + "-" + strings.ToUpper(compact()[:16])
}

func compact() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

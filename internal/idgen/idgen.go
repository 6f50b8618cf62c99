// Package idgen issues mailbox names and registry serials.
package idgen

import "github.com/google/uuid"

// MailboxPrefix is prepended to every generated mailbox name.
const MailboxPrefix = "mbx_"

// Generate returns prefix followed by a random UUID.
func Generate(prefix string) string {
	return prefix + uuid.NewString()
}

// Serial returns a registry serial. Serials are UUIDv7 strings, so byte-wise
// comparison orders them by creation time.
func Serial() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Package algo is the algorithm registry: the server's ordered preference
// lists for key exchange, host key, encryption, MAC and compression, and
// the RFC 4253 §7.1 negotiation rule over them.
package algo

import "fmt"

// NegotiationError is returned when a client and server algorithm list
// share no common name.
type NegotiationError struct {
	Category string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("algo: no common %s algorithm", e.Category)
}

// Preference lists, ordered by server preference. Each is required to
// contain at least the RFC 4253-mandatory algorithm this server supports.
var (
	KeyExchange = []string{"curve25519-sha256"}
	HostKey     = []string{"ssh-ed25519"}
	Encryption  = []string{"aes256-ctr"}
	MAC         = []string{"hmac-sha2-256"}
	Compression = []string{"none"}
)

// Negotiate scans the client's list in order and returns the first name
// also present in the server's list, per RFC 4253 §7.1. It returns a
// *NegotiationError if no match exists.
func Negotiate(category string, server, client []string) (string, error) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, nil
			}
		}
	}
	return "", &NegotiationError{Category: category}
}

// FilterKnown drops names from a name-list that this registry does not
// recognize in the given category, per the "silently dropping unknown
// names" rule in spec §4.1. Negotiate does not call it: unknown
// client-offered names simply never match the server's list.
func FilterKnown(category string, names []string) []string {
	known := categoryList(category)
	out := make([]string, 0, len(names))
	for _, n := range names {
		for _, k := range known {
			if n == k {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func categoryList(category string) []string {
	switch category {
	case "kex":
		return KeyExchange
	case "host-key":
		return HostKey
	case "encryption":
		return Encryption
	case "mac":
		return MAC
	case "compression":
		return Compression
	default:
		return nil
	}
}

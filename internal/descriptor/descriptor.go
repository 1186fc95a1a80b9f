// Package descriptor parses, rewrites, and serializes proxy share links.
//
// Two variants are supported:
//
//   - Plain (vless://id@host:port?k=v#remark): fields live in the URL itself.
//   - Encoded (vmess://base64(json)): fields live in a base64-encoded JSON
//     object whose unknown keys are carried through untouched.
//
// Rewrite produces a copy of a descriptor pointed at a public TLS endpoint
// (port 443, SNI/Host set to the new hostname). Descriptors are values; no
// operation in this package mutates its receiver.
package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

const (
	SchemePlain   = "vless"
	SchemeEncoded = "vmess"

	// PublicPort is the port every rewritten descriptor points at.
	PublicPort = "443"

	// DefaultTransport is reported when a descriptor does not name one.
	DefaultTransport = "tcp"

	// DefaultLabel prefixes the remark when Rewrite is given an empty label.
	DefaultLabel = "tunnelsub"
)

// ErrMalformed is returned when a raw share link cannot be parsed.
var ErrMalformed = errors.New("malformed descriptor")

// Descriptor is a parsed share link. The concrete type is either *Plain or
// *Encoded.
type Descriptor interface {
	// Scheme returns the link scheme without "://".
	Scheme() string
	// ClientID returns the client identity (the VLESS/VMess user id).
	ClientID() string
	Host() string
	Port() string
	Remark() string
	// Transport returns the stream transport ("ws", "grpc", "tcp", ...).
	Transport() string
	// Rewrite returns a copy pointed at host:443 over TLS, with the remark
	// prefixed by label. The receiver is not modified.
	Rewrite(host, label string) Descriptor
	// String serializes the descriptor back to a share link.
	String() string

	sealed()
}

// Parse dispatches on the scheme prefix of raw.
func Parse(raw string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return nil, fmt.Errorf("%w: missing scheme", ErrMalformed)
	}
	switch strings.ToLower(scheme) {
	case SchemePlain:
		p, err := parsePlain(raw)
		if err != nil {
			return nil, err
		}
		return p, nil
	case SchemeEncoded:
		e, err := parseEncoded(rest)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformed, scheme)
	}
}

func remarkFor(label, original string) string {
	if strings.TrimSpace(label) == "" {
		label = DefaultLabel
	}
	if original == "" {
		return label
	}
	return label + "-" + original
}

package rmwadapter

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// ZenohID identifies a Context/session for the lifetime of its process,
// carried in every liveliness token this session declares (§4.2).
type ZenohID [16]byte

func newZenohID() (ZenohID, error) {
	var id ZenohID
	if _, err := rand.Read(id[:]); err != nil {
		return ZenohID{}, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	return id, nil
}

func (z ZenohID) String() string {
	return hex.EncodeToString(z[:])
}

func (z ZenohID) IsZero() bool {
	return z == ZenohID{}
}

func (z ZenohID) LogValue() slog.Value {
	return slog.StringValue(z.String())
}

// HostnameResolver extracts a peer name from the certificates presented
// on a mesh connection. It must not block. Nothing in this package calls
// a HostnameResolver: serf/memberlist node names are always the
// session's ZenohID string.
//
// A successful resolution returns a non-empty name and a nil error. A
// failed resolution returns an error plus a human-readable string that
// is safe to hand back to the remote peer for debugging.
type HostnameResolver func(certs []*x509.Certificate) (string, error, string)

// CommonNameResolver resolves the peer name from the X.509 Subject
// Common Name of the first certificate. OpenContext takes no resolver
// and does not call this one.
func CommonNameResolver(certs []*x509.Certificate) (string, error, string) {
	if len(certs) == 0 {
		return "", ErrInvalidArgument, "no client certificate presented"
	}
	return certs[0].Subject.CommonName, nil, ""
}

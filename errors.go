package rmwadapter

import "errors"

// Error taxonomy. Every user-facing operation returns one of these
// sentinels, optionally wrapped around a lower-level cause with
// fmt.Errorf("%w: %w", ...).
var (
	// ErrInvalidArgument signals caller misuse: a nil handle, a zero
	// depth, an unknown entity name.
	ErrInvalidArgument = errors.New("rmwadapter: invalid argument")

	// ErrShutdown signals the entity or its owning Context has already
	// been shut down.
	ErrShutdown = errors.New("rmwadapter: shutdown")

	// ErrMalformedAttachment signals the attachment codec found a
	// missing, reordered or type-mismatched labeled field.
	ErrMalformedAttachment = errors.New("rmwadapter: malformed attachment")

	// ErrMalformedToken signals the liveliness key expression codec
	// failed to parse or round-trip a token.
	ErrMalformedToken = errors.New("rmwadapter: malformed liveliness token")

	// ErrSerializationFailed signals the type-support codec refused to
	// serialize an outgoing message.
	ErrSerializationFailed = errors.New("rmwadapter: serialization failed")

	// ErrDeserializationFailed signals the type-support codec refused to
	// deserialize an incoming payload.
	ErrDeserializationFailed = errors.New("rmwadapter: deserialization failed")

	// ErrTransport signals the underlying put/get/declare failed.
	ErrTransport = errors.New("rmwadapter: transport error")

	// ErrSessionClosed is a TransportError subclass demoted to a warning
	// on publish: a late publish racing shutdown must not crash the host.
	ErrSessionClosed = errors.New("rmwadapter: session closed")

	// ErrAllocation signals a buffer or SHM allocation failed.
	ErrAllocation = errors.New("rmwadapter: allocation failed")

	// ErrTimeout signals the router bootstrap loop exhausted its
	// configured attempts. Demoted to a warning by the caller; the
	// operation proceeds without a router.
	ErrTimeout = errors.New("rmwadapter: timeout")

	// ErrNameConflict signals two peers are racing to claim the same
	// entity or endpoint identity.
	ErrNameConflict = errors.New("rmwadapter: name conflict")

	// ErrNotFound signals a lookup (entity, topic, pending request) came
	// back empty.
	ErrNotFound = errors.New("rmwadapter: not found")

	// ErrNoTLSConfig signals a quicFabric was built without a TLS
	// config; QUIC requires one even for a self-signed mesh identity.
	ErrNoTLSConfig = errors.New("rmwadapter: missing tls config")

	// ErrInvalidAddr signals a peer or bind address failed to resolve.
	ErrInvalidAddr = errors.New("rmwadapter: invalid address")

	// ErrStreamWrite signals a QUIC stream write failed after the
	// connection was already established.
	ErrStreamWrite = errors.New("rmwadapter: stream write failed")
)

package pipeline

import (
	"context"
	"io"
)

// PeerIdentity is the attested identity of a channel peer. The pipeline core
// treats it as opaque beyond logging.
type PeerIdentity struct {
	// Measurements are the verified register values the peer presented.
	Measurements map[int][]byte
	// Description is a human-readable identity summary.
	Description string
}

// SecureChannel is the consumed surface of the attested encrypted transport:
// a reliable, ordered, authenticated, confidential message stream.
//
// The pipeline never inspects handshake or AEAD internals; it only moves
// opaque framed messages.
type SecureChannel interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	PeerIdentity() PeerIdentity
	Close() error
}

// AttestationProvider produces this endpoint's attestation evidence.
// Implemented by the TEE integration; stages hold one.
type AttestationProvider interface {
	Attestation() ([]byte, error)
}

// AttestationVerifier checks attestation evidence against expected
// measurements. The core never looks inside the evidence bytes.
type AttestationVerifier interface {
	Verify(attestation []byte, expected map[int][]byte) (PeerIdentity, error)
}

// Handshaker upgrades an already-connected byte stream to a SecureChannel.
// Initiate is the connecting role (orchestrator toward a stage, a stage
// toward its downstream); Accept is the listening role.
type Handshaker interface {
	Initiate(ctx context.Context, conn io.ReadWriteCloser, verifier AttestationVerifier, expected map[int][]byte) (SecureChannel, error)
	Accept(ctx context.Context, conn io.ReadWriteCloser, provider AttestationProvider) (SecureChannel, error)
}

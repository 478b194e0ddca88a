package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// maxPlainMessage bounds a single framed message on a plain channel: the
// largest tensor frame plus header slack.
const maxPlainMessage = MaxTensorPayload + (1 << 16)

// PlainHandshaker upgrades byte streams to unencrypted, length-framed
// channels. Attestation evidence is exchanged and verified, but nothing is
// encrypted: this is the development and test transport. TEE deployments
// plug in their attested-channel implementation instead.
type PlainHandshaker struct{}

// Initiate performs the connecting side of the plain handshake: receive the
// responder's attestation, verify it, acknowledge.
func (PlainHandshaker) Initiate(ctx context.Context, conn io.ReadWriteCloser, verifier AttestationVerifier, expected map[int][]byte) (SecureChannel, error) {
	ch := newPlainChannel(conn)
	att, err := ch.Recv(ctx)
	if err != nil {
		return nil, WrapErr(KindTransport, err, "plain handshake: receiving attestation")
	}
	identity, err := verifier.Verify(att, expected)
	if err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Send(ctx, []byte("ok")); err != nil {
		return nil, WrapErr(KindTransport, err, "plain handshake: sending ack")
	}
	ch.peer = identity
	return ch, nil
}

// Accept performs the listening side: present this endpoint's attestation
// and wait for the initiator's acknowledgement.
func (PlainHandshaker) Accept(ctx context.Context, conn io.ReadWriteCloser, provider AttestationProvider) (SecureChannel, error) {
	ch := newPlainChannel(conn)
	att, err := provider.Attestation()
	if err != nil {
		ch.Close()
		return nil, WrapErr(KindAttestation, err, "plain handshake: producing attestation")
	}
	if err := ch.Send(ctx, att); err != nil {
		return nil, WrapErr(KindTransport, err, "plain handshake: sending attestation")
	}
	ack, err := ch.Recv(ctx)
	if err != nil {
		return nil, WrapErr(KindTransport, err, "plain handshake: receiving ack")
	}
	if string(ack) != "ok" {
		ch.Close()
		return nil, Errorf(KindInvalidMessage, "plain handshake: unexpected ack %q", ack)
	}
	ch.peer = PeerIdentity{Description: "initiator"}
	return ch, nil
}

type deadlineConn interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// plainChannel frames messages with a 4-byte big-endian length prefix.
// Send and Recv honor context deadlines when the underlying conn supports
// them (net.Conn and the in-process duplex both do).
type plainChannel struct {
	conn io.ReadWriteCloser
	peer PeerIdentity

	sendMu sync.Mutex
	recvMu sync.Mutex
}

func newPlainChannel(conn io.ReadWriteCloser) *plainChannel {
	return &plainChannel{conn: conn}
}

func (c *plainChannel) Send(ctx context.Context, msg []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg) > maxPlainMessage {
		return Errorf(KindInvalidMessage, "message of %d bytes exceeds channel max %d", len(msg), maxPlainMessage)
	}
	if dc, ok := c.conn.(deadlineConn); ok {
		if deadline, has := ctx.Deadline(); has {
			dc.SetWriteDeadline(deadline)
			defer dc.SetWriteDeadline(time.Time{})
		}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(msg)
	return err
}

func (c *plainChannel) Recv(ctx context.Context) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dc, ok := c.conn.(deadlineConn); ok {
		if deadline, has := ctx.Deadline(); has {
			dc.SetReadDeadline(deadline)
			defer dc.SetReadDeadline(time.Time{})
		}
	}
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxPlainMessage {
		return nil, Errorf(KindInvalidMessage, "incoming message of %d bytes exceeds channel max %d", n, maxPlainMessage)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(c.conn, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *plainChannel) PeerIdentity() PeerIdentity { return c.peer }

func (c *plainChannel) Close() error { return c.conn.Close() }

// === Plain attestation ===

// PlainProvider presents a fixed measurement set as JSON attestation
// evidence. Suitable only for the plain handshaker.
type PlainProvider struct {
	Measurements map[int][]byte
}

func (p *PlainProvider) Attestation() ([]byte, error) {
	hexed := make(map[int]string, len(p.Measurements))
	for reg, v := range p.Measurements {
		hexed[reg] = hex.EncodeToString(v)
	}
	return json.Marshal(hexed)
}

// PlainVerifier checks PlainProvider evidence: every expected register must
// be present with an equal value. A refusal surfaces as KindAttestation.
type PlainVerifier struct{}

func (PlainVerifier) Verify(attestation []byte, expected map[int][]byte) (PeerIdentity, error) {
	var presented map[int]string
	if err := json.Unmarshal(attestation, &presented); err != nil {
		return PeerIdentity{}, Errorf(KindAttestation, "attestation evidence is not parseable: %v", err)
	}
	measurements := make(map[int][]byte, len(presented))
	for reg, h := range presented {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return PeerIdentity{}, Errorf(KindAttestation, "attestation register %d is not hex", reg)
		}
		measurements[reg] = raw
	}
	for reg, want := range expected {
		got, ok := measurements[reg]
		if !ok {
			return PeerIdentity{}, Errorf(KindAttestation, "attestation missing register %d", reg)
		}
		if !bytes.Equal(got, want) {
			return PeerIdentity{}, Errorf(KindAttestation,
				"measurement mismatch at register %d: presented %s, expected %s",
				reg, hex.EncodeToString(got), hex.EncodeToString(want))
		}
	}
	return PeerIdentity{Measurements: measurements, Description: describeMeasurements(measurements)}, nil
}

func describeMeasurements(m map[int][]byte) string {
	if len(m) == 0 {
		return "unmeasured"
	}
	regs := make([]int, 0, len(m))
	for r := range m {
		regs = append(regs, r)
	}
	sort.Ints(regs)
	return fmt.Sprintf("measured registers %v", regs)
}

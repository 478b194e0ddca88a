package pipeline

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyntrisec/confidential-ml-pipeline/pipeline/transport"
)

func TestRelay_ForwardsBothDirections(t *testing.T) {
	// client <-> relay <-> server, each hop an in-process duplex pair
	client, relayLeft := transport.Duplex(0)
	relayRight, server := transport.Duplex(0)

	relay := StartRelay(relayLeft, relayRight)

	// client -> server
	_, err := client.Write([]byte("hello server"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello server", string(buf[:n]))

	// server -> client
	_, err = server.Write([]byte("hello client"))
	require.NoError(t, err)
	n, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello client", string(buf[:n]))

	client.Close()
	server.Close()
	select {
	case <-relay.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("relay did not finish after both ends closed")
	}
	assert.True(t, relay.Finished())
	assert.Equal(t, int64(12), relay.BytesForward())
	assert.Equal(t, int64(12), relay.BytesBackward())
}

func TestRelay_TransparentForLargePayload(t *testing.T) {
	// 128 KiB of random bytes must arrive byte-equal: the relay never
	// interprets what it copies.
	client, relayLeft := transport.Duplex(0)
	relayRight, server := transport.Duplex(0)
	relay := StartRelay(relayLeft, relayRight)
	defer relay.Close()

	payload := make([]byte, 128<<10)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	go func() {
		client.Write(payload)
		client.CloseWrite()
	}()

	got, err := io.ReadAll(server)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestRelay_CloseUnblocksReader(t *testing.T) {
	// GIVEN a relay with a reader blocked on the far end
	client, relayLeft := transport.Duplex(0)
	relayRight, server := transport.Duplex(0)
	relay := StartRelay(relayLeft, relayRight)

	readDone := make(chan error, 1)
	go func() {
		_, err := server.Read(make([]byte, 1))
		readDone <- err
	}()

	// WHEN the client side goes away
	client.Close()

	// THEN the failure fans out and the blocked reader observes EOF instead
	// of hanging on a half-open stream
	select {
	case err := <-readDone:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("reader still blocked after relay peer closed")
	}
	relay.Close()
}

func TestStartRelayMesh_LinkCount(t *testing.T) {
	pairs := make([]RelayPair, 2)
	for i := range pairs {
		up, _ := transport.Duplex(0)
		down, _ := transport.Duplex(0)
		pairs[i] = RelayPair{Upstream: up, Downstream: down}
	}
	relays := StartRelayMesh(pairs)
	assert.Len(t, relays, 2)
	for _, r := range relays {
		r.Close()
	}

	// Single-stage chain: no pairs, no relays.
	assert.Empty(t, StartRelayMesh(nil))
}

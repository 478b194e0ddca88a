package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyntrisec/confidential-ml-pipeline/pipeline/transport"
)

func plainPair(t *testing.T, expected map[int][]byte, presented map[int][]byte) (SecureChannel, SecureChannel, error, error) {
	t.Helper()
	left, right := transport.Duplex(0)
	ctx := context.Background()

	type result struct {
		ch  SecureChannel
		err error
	}
	acceptCh := make(chan result, 1)
	go func() {
		ch, err := PlainHandshaker{}.Accept(ctx, right, &PlainProvider{Measurements: presented})
		acceptCh <- result{ch, err}
	}()
	initCh, initErr := PlainHandshaker{}.Initiate(ctx, left, PlainVerifier{}, expected)
	acc := <-acceptCh
	return initCh, acc.ch, initErr, acc.err
}

func TestPlainHandshake_MessageRoundTrip(t *testing.T) {
	initiator, acceptor, initErr, accErr := plainPair(t, nil, nil)
	require.NoError(t, initErr)
	require.NoError(t, accErr)
	defer initiator.Close()
	defer acceptor.Close()

	ctx := context.Background()
	require.NoError(t, initiator.Send(ctx, []byte("over the wire")))
	got, err := acceptor.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "over the wire", string(got))

	require.NoError(t, acceptor.Send(ctx, []byte("and back")))
	got, err = initiator.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "and back", string(got))
}

func TestPlainHandshake_VerifiesMeasurements(t *testing.T) {
	measurement := map[int][]byte{0: {0xAA, 0xBB}}
	initiator, acceptor, initErr, accErr := plainPair(t, measurement, measurement)
	require.NoError(t, initErr)
	require.NoError(t, accErr)
	defer initiator.Close()
	defer acceptor.Close()

	identity := initiator.PeerIdentity()
	assert.Equal(t, measurement[0], identity.Measurements[0])
}

func TestPlainHandshake_MeasurementMismatch(t *testing.T) {
	expected := map[int][]byte{0: {0x01}}
	presented := map[int][]byte{0: {0x02}}
	_, _, initErr, _ := plainPair(t, expected, presented)
	require.Error(t, initErr)
	assert.Equal(t, KindAttestation, ErrKind(initErr))
}

func TestPlainHandshake_MissingRegister(t *testing.T) {
	expected := map[int][]byte{3: {0x01}}
	_, _, initErr, _ := plainPair(t, expected, nil)
	require.Error(t, initErr)
	assert.Equal(t, KindAttestation, ErrKind(initErr))
}

func TestPlainChannel_RecvHonorsDeadline(t *testing.T) {
	initiator, acceptor, initErr, accErr := plainPair(t, nil, nil)
	require.NoError(t, initErr)
	require.NoError(t, accErr)
	defer initiator.Close()
	defer acceptor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := initiator.Recv(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPlainChannel_RejectsOversizeMessage(t *testing.T) {
	initiator, acceptor, initErr, accErr := plainPair(t, nil, nil)
	require.NoError(t, initErr)
	require.NoError(t, accErr)
	defer initiator.Close()
	defer acceptor.Close()

	err := initiator.Send(context.Background(), make([]byte, maxPlainMessage+1))
	require.Error(t, err)
	assert.Equal(t, KindInvalidMessage, ErrKind(err))
}

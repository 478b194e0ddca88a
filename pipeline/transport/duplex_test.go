package transport

import (
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuplex_RoundTrip(t *testing.T) {
	a, b := Duplex(0)
	defer a.Close()
	defer b.Close()

	_, err := a.Write([]byte("forward"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "forward", string(buf[:n]))

	_, err = b.Write([]byte("backward"))
	require.NoError(t, err)
	n, err = a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "backward", string(buf[:n]))
}

func TestDuplex_CloseWriteDeliversEOFAfterDrain(t *testing.T) {
	a, b := Duplex(0)
	defer b.Close()

	_, err := a.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, a.CloseWrite())

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))
}

func TestDuplex_ReadDeadline(t *testing.T) {
	a, b := Duplex(0)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := a.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestDuplex_WriteDeadlineWhenFull(t *testing.T) {
	a, b := Duplex(64)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.SetWriteDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := a.Write(make([]byte, 256)) // exceeds capacity, nobody reading
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestDuplex_BackpressureDeliversEverything(t *testing.T) {
	// A payload much larger than the buffer must flow through intact once a
	// reader drains the other side.
	a, b := Duplex(128)
	payload := bytes.Repeat([]byte{0x5A}, 64<<10)

	go func() {
		a.Write(payload)
		a.CloseWrite()
	}()

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestDuplex_WriteAfterPeerCloseReadFails(t *testing.T) {
	a, b := Duplex(16)
	require.NoError(t, b.CloseRead())

	// The writer may need to fill the buffer before noticing; bound it.
	require.NoError(t, a.SetWriteDeadline(time.Now().Add(time.Second)))
	_, err := a.Write(bytes.Repeat([]byte{1}, 64))
	assert.Error(t, err)
}

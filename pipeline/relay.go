package pipeline

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// relayBufSize is the per-direction copy buffer. Backpressure from a slow
// consumer propagates to the producer through the bounded buffer.
const relayBufSize = 32 << 10

// relayGrace bounds how long a finished direction waits for its counterpart
// before the relay force-closes both streams.
const relayGrace = 5 * time.Second

type halfCloser interface {
	CloseWrite() error
}

type readCloser interface {
	CloseRead() error
}

// RelayPair names the two byte streams a relay joins: a stage's data_out and
// the next stage's data_in.
type RelayPair struct {
	Upstream   io.ReadWriteCloser
	Downstream io.ReadWriteCloser
}

// Relay is a host-owned transparent byte proxy between two streams. It never
// parses the payload — secure-channel state stays end-to-end between stages.
type Relay struct {
	a, b io.ReadWriteCloser

	forward  atomic.Int64
	backward atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// StartRelay begins copying a↔b in both directions concurrently.
//
// When one direction fails or hits EOF, the relay half-closes that path
// (write half of the destination, read half of the source) so the peers see
// EOF instead of hanging, waits up to the grace period for the other
// direction, then closes both streams.
func StartRelay(a, b io.ReadWriteCloser) *Relay {
	r := &Relay{a: a, b: b, done: make(chan struct{})}

	var wg sync.WaitGroup
	wg.Add(2)
	go r.copyDirection(&wg, b, a, &r.forward, "upstream->downstream")
	go r.copyDirection(&wg, a, b, &r.backward, "downstream->upstream")

	go func() {
		wg.Wait()
		r.closeAll()
		close(r.done)
	}()

	return r
}

func (r *Relay) copyDirection(wg *sync.WaitGroup, dst, src io.ReadWriteCloser, counter *atomic.Int64, name string) {
	defer wg.Done()
	n, err := io.CopyBuffer(countingWriter{w: dst, n: counter}, src, make([]byte, relayBufSize))
	if err != nil {
		logrus.Debugf("relay %s finished after %d bytes: %v", name, n, err)
	} else {
		logrus.Debugf("relay %s finished cleanly after %d bytes", name, n)
	}

	// Fan the failure out: the destination's writer and the source's reader
	// are dead ends now. Half-close where the stream supports it so the
	// opposite direction can still drain, then give it a bounded grace
	// period before the full close.
	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	} else {
		dst.Close()
	}
	if rc, ok := src.(readCloser); ok {
		rc.CloseRead()
	}

	time.AfterFunc(relayGrace, r.closeAll)
}

// countingWriter adds every byte written through it to a relay counter, so
// the counters advance while a direction is still copying.
type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

func (r *Relay) closeAll() {
	r.closeOnce.Do(func() {
		r.a.Close()
		r.b.Close()
	})
}

// Close tears the relay down immediately.
func (r *Relay) Close() {
	r.closeAll()
}

// Done is closed once both directions have finished and the streams are
// closed.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Finished reports whether both directions have completed.
func (r *Relay) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// BytesForward returns bytes copied upstream→downstream so far.
func (r *Relay) BytesForward() int64 { return r.forward.Load() }

// BytesBackward returns bytes copied downstream→upstream so far.
func (r *Relay) BytesBackward() int64 { return r.backward.Load() }

// StartRelayMesh starts one relay per adjacent stage pair. An N-stage chain
// needs N-1 pairs; a single-stage chain needs none.
func StartRelayMesh(pairs []RelayPair) []*Relay {
	relays := make([]*Relay, 0, len(pairs))
	for i, p := range pairs {
		logrus.Debugf("starting relay link %d -> %d", i, i+1)
		relays = append(relays, StartRelay(p.Upstream, p.Downstream))
	}
	return relays
}

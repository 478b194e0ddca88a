package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 100*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 0.1, p.Jitter)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 10*time.Second, p.MaxTotalWait)
	assert.NoError(t, p.Validate())
}

func TestRetryPolicy_Validate(t *testing.T) {
	bad := DefaultRetryPolicy()
	bad.Multiplier = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultRetryPolicy()
	bad.Jitter = 1.0
	assert.Error(t, bad.Validate())

	bad = DefaultRetryPolicy()
	bad.MaxAttempts = 0
	assert.Error(t, bad.Validate())
}

func TestDelayFor_GrowsExponentiallyWithBoundedJitter(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 2.0, Jitter: 0.1, MaxAttempts: 5}
	for attempt := 0; attempt < 4; attempt++ {
		base := time.Duration(float64(p.BaseDelay) * pow(p.Multiplier, attempt))
		for i := 0; i < 50; i++ {
			d := p.DelayFor(attempt)
			if d < base || d > base+base/10+time.Millisecond {
				t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, d, base, base+base/10)
			}
		}
	}
}

func pow(m float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= m
	}
	return out
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 1.0, MaxAttempts: 5, MaxTotalWait: time.Second}
	attempts := 0
	conn, err := Retry(context.Background(), policy, func(ctx context.Context) (net.Conn, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		c, _ := Duplex(0)
		return c, nil
	})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 3, attempts)
	conn.Close()
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 1.0, MaxAttempts: 4, MaxTotalWait: time.Second}
	attempts := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (net.Conn, error) {
		attempts++
		return nil, errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.Contains(t, err.Error(), "after 4 attempt(s)")
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Hour, Multiplier: 1.0, MaxAttempts: 5}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, policy, func(ctx context.Context) (net.Conn, error) {
			return nil, errors.New("connection refused")
		})
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not stop on cancellation")
	}
}

func TestRetry_RespectsTotalWaitBudget(t *testing.T) {
	// Second delay would blow the budget; Retry must stop early rather
	// than sleep past MaxTotalWait.
	policy := RetryPolicy{BaseDelay: 30 * time.Millisecond, Multiplier: 10.0, MaxAttempts: 10, MaxTotalWait: 100 * time.Millisecond}
	attempts := 0
	start := time.Now()
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (net.Conn, error) {
		attempts++
		return nil, errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Less(t, attempts, 10)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDialTCP_ConnectsToListener(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := AcceptOne(context.Background(), l)
		ch <- accepted{conn, err}
	}()

	conn, err := DialTCP(context.Background(), l.Addr().String(), DefaultRetryPolicy())
	require.NoError(t, err)
	defer conn.Close()

	acc := <-ch
	require.NoError(t, acc.err)
	defer acc.conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = acc.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

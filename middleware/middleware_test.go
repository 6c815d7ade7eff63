package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gen-rpc/codec"
	"gen-rpc/metrics"
	"gen-rpc/registry"
	"gen-rpc/session"
)

func newCall(name string) *registry.Call {
	return registry.NewCall("msg-1", name, "peer-1", codec.GetCodec(codec.CodecTypeJSON), nil, nil)
}

// A simple handler that returns successfully right away.
func echoHandler(ctx context.Context, call *registry.Call) (any, error) {
	return "ok", nil
}

// A slow handler that sleeps for 200ms.
func slowHandler(ctx context.Context, call *registry.Call) (any, error) {
	time.Sleep(200 * time.Millisecond)
	return "ok", nil
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(nil)(echoHandler)

	resp, err := handler(context.Background(), newCall("arith.add"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	failing := LoggingMiddleware(nil)(func(context.Context, *registry.Call) (any, error) {
		return nil, errors.New("boom")
	})
	_, err = failing(context.Background(), newCall("arith.add"))
	assert.EqualError(t, err, "boom")
}

func TestTimeoutPass(t *testing.T) {
	// 500ms timeout, fast handler: should return normally.
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp, err := handler(context.Background(), newCall("arith.add"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestTimeoutExceeded(t *testing.T) {
	// 50ms timeout, 200ms handler: should time out.
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	_, err := handler(context.Background(), newCall("arith.add"))
	assert.True(t, errors.Is(err, errors.Timeout), "%v", err)
}

func TestTimeoutClosesLateGenerator(t *testing.T) {
	closed := make(chan struct{})
	late := func(ctx context.Context, call *registry.Call) (any, error) {
		<-ctx.Done()
		return session.Coroutine(func(ctx context.Context, y *session.Yielder) error {
			defer close(closed)
			_, err := y.Yield(1)
			return err
		}), nil
	}
	handler := TimeOutMiddleware(10 * time.Millisecond)(late)
	_, err := handler(context.Background(), newCall("stream"))
	assert.True(t, errors.Is(err, errors.Timeout))
	// Never started, so closing does not run the body.
	select {
	case <-closed:
		t.Fatal("body ran")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first 2 pass, the 3rd is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		_, err := handler(context.Background(), newCall("arith.add"))
		require.NoError(t, err, "request %d should pass", i)
	}

	_, err := handler(context.Background(), newCall("arith.add"))
	assert.True(t, errors.Is(err, errors.QuotaLimitExceeded), "%v", err)
}

func TestRetry(t *testing.T) {
	clk := clock.WallClock
	attempts := 0
	flaky := func(ctx context.Context, call *registry.Call) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.Timeoutf("attempt %d", attempts)
		}
		return "ok", nil
	}
	resp, err := RetryMiddleware(3, time.Millisecond, clk)(flaky)(context.Background(), newCall("flaky"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, 3, attempts)

	attempts = 0
	_, err = RetryMiddleware(1, time.Millisecond, clk)(flaky)(context.Background(), newCall("flaky"))
	assert.True(t, errors.Is(err, errors.Timeout), "%v", err)
	assert.Equal(t, 2, attempts)

	attempts = 0
	fatal := func(ctx context.Context, call *registry.Call) (any, error) {
		attempts++
		return nil, errors.NotFoundf("thing")
	}
	_, err = RetryMiddleware(3, time.Millisecond, clk)(fatal)(context.Background(), newCall("fatal"))
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Equal(t, 1, attempts)
}

func TestMetrics(t *testing.T) {
	c := metrics.NewCollector()
	handler := MetricsMiddleware(c, nil)(echoHandler)
	_, err := handler(context.Background(), newCall("arith.add"))
	require.NoError(t, err)

	stream := MetricsMiddleware(c, nil)(func(context.Context, *registry.Call) (any, error) {
		return session.Coroutine(func(context.Context, *session.Yielder) error { return nil }), nil
	})
	g, err := stream(context.Background(), newCall("count"))
	require.NoError(t, err)
	require.NoError(t, g.(session.Generator).Close())

	assert.Equal(t, 2, testutil.CollectAndCount(c, "genrpc_calls_total"))
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *registry.Call) (any, error) {
				order = append(order, name+".before")
				resp, err := next(ctx, call)
				order = append(order, name+".after")
				return resp, err
			}
		}
	}
	chained := Chain(LoggingMiddleware(nil), mark("a"), TimeOutMiddleware(500*time.Millisecond), mark("b"))
	resp, err := chained(echoHandler)(context.Background(), newCall("arith.add"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, []string{"a.before", "b.before", "b.after", "a.after"}, order)
}

package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"obelisk/message"
	"obelisk/retry"
)

// okSend stands in for the engine: it assigns a tx id and succeeds.
func okSend(ctx context.Context, req *message.Request) error {
	req.TxID = 42
	return nil
}

var errBusy = errors.New("busy")

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	send := Logging(zap.New(core))(okSend)

	req := &message.Request{Command: "blockchain.fetch_last_height"}
	if err := send(context.Background(), req); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if req.TxID != 42 {
		t.Fatalf("expect tx id from the engine, got %d", req.TxID)
	}
	entries := logs.FilterMessage("sent").All()
	if len(entries) != 1 {
		t.Fatalf("expect one debug entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["command"] != "blockchain.fetch_last_height" {
		t.Fatalf("missing command field: %v", entries[0].ContextMap())
	}

	failing := Logging(zap.New(core))(func(context.Context, *message.Request) error { return errBusy })
	if err := failing(context.Background(), req); !errors.Is(err, errBusy) {
		t.Fatalf("expect errBusy, got %v", err)
	}
	if logs.FilterMessage("send failed").Len() != 1 {
		t.Fatal("expect a warn entry for the failure")
	}
}

func TestRateLimit(t *testing.T) {
	rejected := prometheus.NewCounter(prometheus.CounterOpts{Name: "rejected"})
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	send := RateLimit(1, 2, rejected)(okSend)
	req := &message.Request{Command: "blockchain.fetch_last_height"}

	for i := 0; i < 2; i++ {
		if err := send(context.Background(), req); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}
	if err := send(context.Background(), req); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: %v", err)
	}
	if got := testutil.ToFloat64(rejected); got != 1 {
		t.Fatalf("expect 1 rejection counted, got %v", got)
	}
}

func TestWaitRateLimitHonoursContext(t *testing.T) {
	send := WaitRateLimit(0.001, 1)(okSend)
	req := &message.Request{Command: "blockchain.fetch_last_height"}
	if err := send(context.Background(), req); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := send(ctx, req); err == nil {
		t.Fatal("expect the second request to give up with the context")
	}
}

func TestRetry(t *testing.T) {
	calls := 0
	flaky := func(ctx context.Context, req *message.Request) error {
		calls++
		if calls < 3 {
			return errBusy
		}
		req.TxID = 7
		return nil
	}
	policy := retry.Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2}
	send := Retry(policy, func(err error) bool { return errors.Is(err, errBusy) }, nil)(flaky)

	req := &message.Request{Command: "blockchain.broadcast_transaction"}
	if err := send(context.Background(), req); err != nil {
		t.Fatalf("expect success after retries, got %v", err)
	}
	if calls != 3 || req.TxID != 7 {
		t.Fatalf("expect 3 calls and tx id 7, got %d calls, id %d", calls, req.TxID)
	}
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	always := func(context.Context, *message.Request) error {
		calls++
		return errBusy
	}
	policy := retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond}
	send := Retry(policy, func(error) bool { return true }, nil)(always)

	if err := send(context.Background(), &message.Request{}); !errors.Is(err, errBusy) {
		t.Fatalf("expect last error, got %v", err)
	}
	// first try plus two retries
	if calls != 3 {
		t.Fatalf("expect 3 calls, got %d", calls)
	}

	calls = 0
	nonRetryable := Retry(policy, func(error) bool { return false }, nil)(always)
	_ = nonRetryable(context.Background(), &message.Request{})
	if calls != 1 {
		t.Fatalf("non-retryable error must not be retried, got %d calls", calls)
	}
}

func TestRetryBoundsZeroPolicy(t *testing.T) {
	calls := 0
	always := func(context.Context, *message.Request) error {
		calls++
		return errBusy
	}
	send := Retry(retry.Unbounded(), func(error) bool { return true }, nil)(always)

	start := time.Now()
	if err := send(context.Background(), &message.Request{}); !errors.Is(err, errBusy) {
		t.Fatalf("expect last error, got %v", err)
	}
	if calls != 1+DefaultSendAttempts {
		t.Fatalf("expect %d calls, got %d", 1+DefaultSendAttempts, calls)
	}
	if elapsed := time.Since(start); elapsed < DefaultSendAttempts*MinSendDelay {
		t.Fatalf("expect at least %s between attempts in total, took %s", DefaultSendAttempts*MinSendDelay, elapsed)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next SendFunc) SendFunc {
			return func(ctx context.Context, req *message.Request) error {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	send := Chain(mark("outer"), Logging(nil), mark("inner"))(okSend)

	req := &message.Request{Command: "blockchain.fetch_last_height"}
	if err := send(context.Background(), req); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}

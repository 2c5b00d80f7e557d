package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	cfgpkg "github.com/rzbill/ice/internal/config"
	"github.com/rzbill/ice/internal/ice/icetest"
	"github.com/rzbill/ice/internal/runtime"
	logpkg "github.com/rzbill/ice/pkg/log"
)

const bufSize = 1 << 20

type harness struct {
	rt     *runtime.Runtime
	clock  *icetest.Clock
	client *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "always"
	cfg.Scheduler.Enabled = false
	clock := icetest.NewClock(time.UnixMilli(1_700_000_000_000))
	logger := logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg, Logger: logger, Clock: clock.Now})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}

	srv := New(rt, logger)
	lis := bufconn.Listen(bufSize)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		<-done
		_ = rt.Close()
	})
	return &harness{rt: rt, clock: clock, client: client}
}

func (h *harness) promote(t *testing.T) {
	t.Helper()
	if _, err := h.rt.Store().PromoteDue(context.Background(), h.clock.Now(), 100); err != nil {
		t.Fatalf("promote: %v", err)
	}
}

func TestHealthOverGRPC(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c := healthpb.NewHealthClient(h.client.Conn())
	for _, svc := range []string{"", ServiceName} {
		res, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			t.Fatalf("check %q: %v", svc, err)
		}
		if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("status for %q: %v", svc, res.GetStatus())
		}
	}
}

func TestAddPopFinishOverGRPC(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	j, err := h.client.AddOne(ctx, "7", "sms", []byte(`{"to":"+100"}`), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if j.ID != "sms-7" || j.Delay != 500*time.Millisecond {
		t.Fatalf("unexpected add result: %+v", j)
	}

	got, err := h.client.Pop(ctx, "sms", 1)
	if err != nil || len(got) != 0 {
		t.Fatalf("pop before due: %v %v", got, err)
	}

	h.clock.Advance(time.Second)
	h.promote(t)
	got, err = h.client.Pop(ctx, "sms", 1)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(got) != 1 || got[0].ID != "sms-7" || string(got[0].Body) != `{"to":"+100"}` {
		t.Fatalf("unexpected pop: %+v", got)
	}

	if err := h.client.Finish(ctx, "sms-7"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	_, err = h.client.Get(ctx, "sms-7")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("want NotFound after finish, got %v", err)
	}
}

func TestPopCountListStatsOverGRPC(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	retries := 0
	if _, err := h.client.Add(ctx,
		AddJob{ID: "1", Topic: "mail"},
		AddJob{ID: "2", Topic: "mail", RetryCount: &retries},
		AddJob{Topic: "mail"},
	); err != nil {
		t.Fatalf("add: %v", err)
	}
	h.promote(t)

	got, err := h.client.Pop(ctx, "mail", 2)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(got) != 2 || got[0].ID != "mail-1" || got[1].ID != "mail-2" {
		t.Fatalf("unexpected batch: %+v", got)
	}
	if got[1].RetryCount != 0 {
		t.Fatalf("explicit retry count lost: %d", got[1].RetryCount)
	}

	listed, err := h.client.List(ctx, `status == "RESERVED"`, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("want 2 reserved jobs, got %d", len(listed))
	}

	st, err := h.client.Stats(ctx, "mail")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Ready["mail"] != 1 || st.Delayed != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	if err := h.client.Delete(ctx, "mail-1", "mail-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestErrorCodesOverGRPC(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := h.client.Add(ctx, AddJob{ID: "1"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("missing topic: %v", err)
	}
	if _, err := h.client.Add(ctx); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("empty add: %v", err)
	}
	if _, err := h.client.List(ctx, "retry_count +", 0); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("bad filter: %v", err)
	}
	if _, err := h.client.Pop(ctx, "", 1); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("empty topic: %v", err)
	}
}

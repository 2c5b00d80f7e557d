package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "github.com/rzbill/ice/internal/config"
	"github.com/rzbill/ice/internal/ice"
	"github.com/rzbill/ice/internal/runtime"
	grpcserver "github.com/rzbill/ice/internal/server/grpc"
	logpkg "github.com/rzbill/ice/pkg/log"
)

func startServer(t *testing.T) *runtime.Runtime {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Scheduler.Enabled = false
	cfg.Queue.Topics = []string{"sms"}
	quiet := logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg, Logger: quiet})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpcserver.New(rt, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()
	t.Setenv("ICE_GRPC", lis.Addr().String())
	t.Cleanup(func() {
		cancel()
		<-done
		_ = rt.Close()
	})
	return rt
}

func run(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("execute %v: %v (%s)", args, err, buf.String())
	}
	return buf.String()
}

func promote(t *testing.T, rt *runtime.Runtime) {
	t.Helper()
	if _, err := rt.Store().PromoteDue(context.Background(), time.Now().Add(time.Hour), 100); err != nil {
		t.Fatalf("promote: %v", err)
	}
}

func TestJobAddPopFinish(t *testing.T) {
	rt := startServer(t)

	out := run(t, NewRoot(), "job", "add", "--topic", "sms", "--id", "42", "--data", `{"to":"+100"}`, "--delay", "1s")
	var added ice.Job
	if err := json.Unmarshal([]byte(out), &added); err != nil {
		t.Fatalf("decode add output %q: %v", out, err)
	}
	if added.ID != "sms-42" || added.Delay != time.Second {
		t.Fatalf("unexpected job: %+v", added)
	}

	if out := run(t, NewRoot(), "job", "pop", "--topic", "sms"); !strings.Contains(out, "no jobs ready") {
		t.Fatalf("expected empty pop, got %s", out)
	}

	promote(t, rt)
	out = run(t, NewRoot(), "job", "pop", "--topic", "sms", "--finish")
	if !strings.Contains(out, `"sms-42"`) || !strings.Contains(out, `"RESERVED"`) {
		t.Fatalf("unexpected pop output: %s", out)
	}
	if j, err := rt.Ice().Get(context.Background(), "sms-42"); err != nil || j != nil {
		t.Fatalf("--finish did not remove job: %+v %v", j, err)
	}
}

func TestJobAddGeneratesID(t *testing.T) {
	startServer(t)
	out := run(t, NewRoot(), "job", "add", "--topic", "sms", "--data", "plain text")
	var added ice.Job
	if err := json.Unmarshal([]byte(out), &added); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(added.ID, "sms-") || len(added.ID) != len("sms-")+36 {
		t.Fatalf("expected uuid id, got %q", added.ID)
	}
	if string(added.Body) != `"plain text"` {
		t.Fatalf("text body not wrapped: %s", added.Body)
	}
}

func TestJobGetListDeleteAndStats(t *testing.T) {
	rt := startServer(t)
	run(t, NewRoot(), "job", "add", "--topic", "sms", "--id", "1", "--retry", "0")
	run(t, NewRoot(), "job", "add", "--topic", "sms", "--id", "2", "--delay", "1m")

	if out := run(t, NewRoot(), "job", "get", "sms-1"); !strings.Contains(out, `"retryCount": 0`) {
		t.Fatalf("unexpected get output: %s", out)
	}

	out := run(t, NewRoot(), "job", "list", "--filter", `delay_ms > 0`)
	var listed struct {
		Jobs []ice.Job `json:"jobs"`
	}
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Jobs) != 1 || listed.Jobs[0].ID != "sms-2" {
		t.Fatalf("unexpected list: %+v", listed.Jobs)
	}

	out = run(t, NewRoot(), "stats")
	var st ice.Stats
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Delayed != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if _, ok := st.Ready["sms"]; !ok {
		t.Fatalf("configured topic missing from stats: %+v", st)
	}

	run(t, NewRoot(), "job", "delete", "sms-1", "sms-2")
	jobs, err := rt.Ice().List(context.Background(), "", 0)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("jobs survive delete: %v %v", jobs, err)
	}
}

func TestJobCommandValidation(t *testing.T) {
	cmd := NewRoot()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"job", "add"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--topic") {
		t.Fatalf("expected --topic error, got %v", err)
	}
	cmd = NewRoot()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"job", "get"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected arg count error")
	}
}

func TestBodyFromFlag(t *testing.T) {
	cases := map[string]string{
		"":            "",
		`{"a":1}`:     `{"a":1}`,
		"42":          "42",
		"hello world": `"hello world"`,
	}
	for in, want := range cases {
		got, err := bodyFromFlag(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if string(got) != want {
			t.Fatalf("%q: got %s want %s", in, got, want)
		}
	}
}

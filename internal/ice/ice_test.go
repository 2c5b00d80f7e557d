package ice

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	logpkg "github.com/rzbill/ice/pkg/log"
)

// flakyStore fails the first n commits; every other method panics through
// the nil embedded Store.
type flakyStore struct {
	Store
	fails   int
	commits int
	last    *Batch
}

func (s *flakyStore) Commit(_ context.Context, b *Batch) error {
	s.commits++
	if s.commits <= s.fails {
		return errors.New("connection reset")
	}
	s.last = b
	return nil
}

func quietLogger() logpkg.Logger {
	return logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
}

func TestAddRetriesWholeBatch(t *testing.T) {
	s := &flakyStore{fails: 2}
	q := New(s, WithCommitRetry(3, time.Millisecond), WithLogger(quietLogger()))

	jobs := []*Job{{ID: "1", Topic: "x"}, {ID: "2", Topic: "x", TTR: time.Second}}
	if err := q.AddJobs(context.Background(), jobs...); err != nil {
		t.Fatalf("add: %v", err)
	}
	if s.commits != 3 {
		t.Fatalf("want 3 commit attempts, got %d", s.commits)
	}
	if len(s.last.Jobs) != 2 || len(s.last.Delays) != 2 {
		t.Fatalf("batch not retried whole: %+v", s.last)
	}
	if jobs[0].ID != "x-1" || jobs[0].Status != StatusDelay || jobs[0].TTR != DefaultTTR {
		t.Fatalf("job not prepared: %+v", jobs[0])
	}
	if jobs[1].TTR != time.Second {
		t.Fatalf("explicit TTR overwritten: %v", jobs[1].TTR)
	}
	if jobs[0].Generation == 0 || jobs[0].Generation == jobs[1].Generation {
		t.Fatalf("generations not unique: %d %d", jobs[0].Generation, jobs[1].Generation)
	}
}

func TestAddGivesUpAfterAttempts(t *testing.T) {
	s := &flakyStore{fails: 10}
	q := New(s, WithCommitRetry(2, 0), WithLogger(quietLogger()))

	job := &Job{ID: "1", Topic: "x"}
	err := q.AddJobs(context.Background(), job)
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "commit" {
		t.Fatalf("want commit StoreError, got %v", err)
	}
	if s.commits != 2 {
		t.Fatalf("want 2 attempts, got %d", s.commits)
	}
	if job.ID != "1" {
		t.Fatalf("failed add mutated caller job: %q", job.ID)
	}
}

func TestJobJSONUsesMilliseconds(t *testing.T) {
	j := Job{ID: "x-1", Topic: "x", Delay: 2 * time.Second, TTR: 1500 * time.Millisecond, Status: StatusDelay}
	b, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["delayMs"].(float64) != 2000 || m["ttrMs"].(float64) != 1500 {
		t.Fatalf("unexpected encoding %s", b)
	}
	var back Job
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.TTR != j.TTR || back.Delay != j.Delay {
		t.Fatalf("durations lost: %+v", back)
	}
}

func TestMarshalBody(t *testing.T) {
	raw, err := marshalBody(json.RawMessage(`{"a":1}`))
	if err != nil || string(raw) != `{"a":1}` {
		t.Fatalf("raw passthrough: %s %v", raw, err)
	}
	raw, err = marshalBody(struct {
		N int `json:"n"`
	}{N: 3})
	if err != nil || string(raw) != `{"n":3}` {
		t.Fatalf("struct: %s %v", raw, err)
	}
	if _, err := marshalBody([]byte("nope")); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("want ErrInvalidJob, got %v", err)
	}
	if raw, err := marshalBody(nil); err != nil || raw != nil {
		t.Fatalf("nil body: %s %v", raw, err)
	}
}

func TestValidateTopic(t *testing.T) {
	if err := validateTopic("a\x00b"); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("NUL accepted: %v", err)
	}
	if err := validateTopic("sms"); err != nil {
		t.Fatalf("valid topic rejected: %v", err)
	}
}

func TestFilter(t *testing.T) {
	now := time.UnixMilli(10_000)
	j := &Job{ID: "sms-1", Topic: "sms", Status: StatusReserved, RetryCount: 2, Deliveries: 1,
		TTR: 5 * time.Second, Body: json.RawMessage(`{"to":"+100","tags":["a"]}`)}

	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{`status == "RESERVED" && retry_count > 1`, true},
		{`body.to == "+100"`, true},
		{`"a" in body.tags`, true},
		{`ttr_ms >= 6000`, false},
		{`body.missing == "x"`, false},
		{`now_ms == 10000`, true},
	}
	for _, c := range cases {
		f, err := CompileFilter(c.expr)
		if err != nil {
			t.Fatalf("compile %q: %v", c.expr, err)
		}
		if got := f.Match(j, now); got != c.want {
			t.Fatalf("%q: got %v want %v", c.expr, got, c.want)
		}
	}

	for _, bad := range []string{"status ==", "retry_count + 1", "unknown_var"} {
		if _, err := CompileFilter(bad); !errors.Is(err, ErrInvalidFilter) {
			t.Fatalf("%q: want ErrInvalidFilter, got %v", bad, err)
		}
	}
}

func TestNextGenerationMonotonic(t *testing.T) {
	q := New(&flakyStore{}, WithLogger(quietLogger()))
	prev := q.nextGeneration()
	for i := 0; i < 1000; i++ {
		next := q.nextGeneration()
		if next <= prev {
			t.Fatalf("generation went backwards: %d after %d", next, prev)
		}
		prev = next
	}
}

func TestDelayJobMatches(t *testing.T) {
	j := &Job{ID: "x-1", Topic: "x", Generation: 5}
	d := NewDelayJob(j, time.UnixMilli(42))
	if !d.matches(j) || d.DueMs != 42 || !d.Due().Equal(time.UnixMilli(42)) {
		t.Fatalf("fresh entry should match: %+v", d)
	}
	j.Generation = 6
	if d.matches(j) {
		t.Fatalf("stale entry matched")
	}
	if d.matches(nil) {
		t.Fatalf("entry matched missing job")
	}
}

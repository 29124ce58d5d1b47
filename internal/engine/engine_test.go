package engine

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

// collect reads progress until n terminal updates have been seen.
func collect(t *testing.T, p *Pool, n int) []Progress {
	t.Helper()
	var out []Progress
	terminal := 0
	timeout := time.After(3 * time.Second)
	for terminal < n {
		select {
		case pr := <-p.Progress():
			out = append(out, pr)
			if pr.State == Done || pr.State == Failed || pr.State == Cancelled {
				terminal++
			}
		case <-timeout:
			t.Fatalf("timed out after %d/%d terminal updates: %+v", terminal, n, out)
		}
	}
	return out
}

func TestPoolRunsJobsFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	run := func(ctx context.Context, job Job, report func(int)) error {
		mu.Lock()
		order = append(order, job.UUID)
		mu.Unlock()
		report(50)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(1, run, quietLogger())
	p.Submit(Job{UUID: "a"})
	p.Submit(Job{UUID: "b"})
	p.Submit(Job{UUID: "c"})
	p.Start(ctx)

	updates := collect(t, p, 3)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("run order = %v, want %v", order, want)
		}
	}

	if updates[0].State != Started || updates[1].State != Advanced || updates[1].Percent != 50 || updates[2].State != Done {
		t.Errorf("unexpected update sequence for first job: %+v", updates[:3])
	}
}

func TestPoolReportsFailure(t *testing.T) {
	run := func(context.Context, Job, func(int)) error {
		return errors.New("track not found")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(1, run, quietLogger())
	p.Start(ctx)
	p.Submit(Job{UUID: "x"})

	updates := collect(t, p, 1)
	last := updates[len(updates)-1]
	if last.State != Failed || last.Err != "track not found" {
		t.Errorf("last update = %+v, want Failed with message", last)
	}
}

func TestPoolCancelRunning(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context, job Job, report func(int)) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(1, run, quietLogger())
	p.Start(ctx)
	p.Submit(Job{UUID: "slow"})

	<-started
	p.RequestCancel("slow")

	updates := collect(t, p, 1)
	if last := updates[len(updates)-1]; last.State != Cancelled {
		t.Errorf("last update = %+v, want Cancelled", last)
	}
}

func TestPoolCancelPending(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var ran []string
	run := func(ctx context.Context, job Job, report func(int)) error {
		mu.Lock()
		ran = append(ran, job.UUID)
		mu.Unlock()
		if job.UUID == "first" {
			<-release
		}
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(1, run, quietLogger())
	p.Submit(Job{UUID: "first"})
	p.Submit(Job{UUID: "second"})
	p.Submit(Job{UUID: "third"})
	p.Start(ctx)

	p.RequestCancel("second")
	p.RequestCancel("unknown")
	close(release)

	collect(t, p, 2)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ran {
		if id == "second" {
			t.Fatalf("cancelled pending job ran: %v", ran)
		}
	}
	if p.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", p.Pending())
	}
}

func TestPoolParallelWorkers(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	run := func(ctx context.Context, job Job, report func(int)) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(3, run, quietLogger())
	p.Start(ctx)
	for _, id := range []string{"a", "b", "c"} {
		p.Submit(Job{UUID: id})
	}

	collect(t, p, 3)
	mu.Lock()
	defer mu.Unlock()
	if peak < 2 {
		t.Errorf("peak concurrency = %d, want more than one worker busy", peak)
	}
}

func TestPoolLimit(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		limit   int
		want    int
	}{
		{"below workers", 4, 2, 2},
		{"above workers", 2, 9, 2},
		{"zero", 3, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			inFlight, peak := 0, 0
			run := func(ctx context.Context, job Job, report func(int)) error {
				mu.Lock()
				inFlight++
				peak = max(peak, inFlight)
				mu.Unlock()
				time.Sleep(30 * time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			p := NewPool(tt.workers, run, quietLogger())
			p.SetLimit(tt.limit)
			if got := p.Limit(); got != tt.want {
				t.Fatalf("Limit() = %d, want %d", got, tt.want)
			}
			p.Start(ctx)
			for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
				p.Submit(Job{UUID: id})
			}

			collect(t, p, 6)
			mu.Lock()
			defer mu.Unlock()
			if peak > tt.want {
				t.Errorf("peak concurrency = %d, want at most %d", peak, tt.want)
			}
		})
	}
}

func TestPoolRaiseLimitStartsWaitingJobs(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 4)
	run := func(ctx context.Context, job Job, report func(int)) error {
		started <- job.UUID
		<-release
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(2, run, quietLogger())
	p.SetLimit(1)
	p.Start(ctx)
	p.Submit(Job{UUID: "a"})
	p.Submit(Job{UUID: "b"})

	if got := <-started; got != "a" {
		t.Fatalf("first job = %q, want a", got)
	}
	select {
	case id := <-started:
		t.Fatalf("%s started above the limit", id)
	case <-time.After(50 * time.Millisecond):
	}

	p.SetLimit(2)
	select {
	case id := <-started:
		if id != "b" {
			t.Fatalf("second job = %q, want b", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("raising the limit did not start the waiting job")
	}
	close(release)
	collect(t, p, 2)
}

func TestExpandArgs(t *testing.T) {
	got := ExpandArgs([]string{"--bitrate", "{bitrate}", "{url}", "--id={uuid}"}, Job{UUID: "u1", URL: "https://x/track/1", Bitrate: 9})
	want := []string{"--bitrate", "9", "https://x/track/1", "--id=u1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ExpandArgs() = %v, want %v", got, want)
		}
	}
}

func TestParsePercent(t *testing.T) {
	tests := []struct {
		line string
		want int
		ok   bool
	}{
		{"[track] 42%", 42, true},
		{"downloading 10.5% then 80%", 80, true},
		{"no progress here", 0, false},
		{"999%", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParsePercent(tt.line)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParsePercent(%q) = %d, %v; want %d, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCommandRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	var reported []int
	run := CommandRunner("sh", []string{"-c", "printf '10%%\\r55%%\\n'; echo {url}"})
	err := run(context.Background(), Job{URL: "done"}, func(p int) { reported = append(reported, p) })
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(reported) != 2 || reported[0] != 10 || reported[1] != 55 {
		t.Errorf("reported = %v, want [10 55]", reported)
	}

	fail := CommandRunner("sh", []string{"-c", "echo 'not found' >&2; exit 3"})
	if err := fail(context.Background(), Job{}, func(int) {}); err == nil {
		t.Error("non-zero exit should return error")
	}
}

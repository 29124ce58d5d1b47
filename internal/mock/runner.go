package mock

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/deemix-relay/backend/internal/engine"
)

// ErrSimulatedFailure is returned for URLs containing "fail".
var ErrSimulatedFailure = errors.New("simulated download failure")

type pattern string

const (
	steady     pattern = "steady"
	burst      pattern = "burst"
	stall      pattern = "stall"
	methodical pattern = "methodical"
	failing    pattern = "error"
)

var patterns = []pattern{steady, burst, stall, methodical}

// patternFor picks a stable progress pattern per URL.
func patternFor(url string) pattern {
	if strings.Contains(url, "fail") {
		return failing
	}
	h := fnv.New32a()
	h.Write([]byte(url))
	return patterns[h.Sum32()%uint32(len(patterns))]
}

// Runner returns an engine.RunFunc that fakes a download, reporting
// progress once per tick until it reaches 100.
func Runner(tick time.Duration) engine.RunFunc {
	if tick <= 0 {
		tick = 200 * time.Millisecond
	}
	return func(ctx context.Context, job engine.Job, report func(int)) error {
		p := patternFor(job.URL)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		percent := 0
		for n := 1; ; n++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			next := advance(p, percent, n)
			if p == failing && next >= 60 {
				return ErrSimulatedFailure
			}
			if next > 100 {
				next = 100
			}
			if next != percent {
				percent = next
				report(percent)
			}
			if percent >= 100 {
				return nil
			}
		}
	}
}

// advance returns the progress after tick n.
func advance(p pattern, percent, n int) int {
	switch p {
	case burst:
		if n%8 < 3 {
			return percent + 12 + rand.Intn(4)
		}
		return percent + 3
	case stall:
		// Work for 6 ticks, then wait for 4.
		if n%10 >= 6 {
			return percent
		}
		return percent + 6 + rand.Intn(3)
	case methodical:
		pace := 0.7 + 0.3*math.Sin(float64(n)/3.0)
		return percent + int(math.Max(1, 8*pace))
	default:
		return percent + 7 + rand.Intn(4) - 2
	}
}

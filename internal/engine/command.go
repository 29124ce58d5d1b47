package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var percentPattern = regexp.MustCompile(`(\d{1,3})(?:\.\d+)?%`)

// CommandRunner returns a RunFunc that executes an external downloader per
// job. The placeholders {url} and {bitrate} in args are substituted. Any
// "NN%" found in the command's output is reported as progress.
func CommandRunner(command string, args []string) RunFunc {
	return func(ctx context.Context, job Job, report func(int)) error {
		cmd := exec.CommandContext(ctx, command, ExpandArgs(args, job)...)
		cmd.WaitDelay = 5 * time.Second

		pr, pw := io.Pipe()
		cmd.Stdout = pw
		cmd.Stderr = pw

		if err := cmd.Start(); err != nil {
			pw.Close()
			return fmt.Errorf("starting %s: %w", command, err)
		}

		done := make(chan struct{})
		var tail string
		go func() {
			defer close(done)
			scanner := bufio.NewScanner(pr)
			scanner.Split(scanProgressLines)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				tail = line
				if p, ok := ParsePercent(line); ok {
					report(p)
				}
			}
			io.Copy(io.Discard, pr)
		}()

		err := cmd.Wait()
		pw.Close()
		<-done

		if err != nil {
			if tail != "" {
				return fmt.Errorf("%s: %w: %s", command, err, tail)
			}
			return fmt.Errorf("%s: %w", command, err)
		}
		return nil
	}
}

// ExpandArgs substitutes job fields into an argument template.
func ExpandArgs(args []string, job Job) []string {
	r := strings.NewReplacer("{url}", job.URL, "{bitrate}", strconv.Itoa(job.Bitrate), "{uuid}", job.UUID)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// ParsePercent extracts the last percentage on a line.
func ParsePercent(line string) (int, bool) {
	matches := percentPattern.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil || n > 100 {
		return 0, false
	}
	return n, true
}

// scanProgressLines splits on both \n and \r since progress bars redraw
// the same line with carriage returns.
func scanProgressLines(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Package backend runs the reasoning CLI as a subordinate process per
// request and streams its newline-delimited stream-json events back as
// progress. Each invocation is isolated: no state is shared between
// concurrent invocations, and a timeout kills only its own process.
package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrTimeout reports that the subordinate process exceeded the hard
// invocation deadline and was terminated. Partial output already
// streamed is preserved in the Result.
var ErrTimeout = errors.New("backend: invocation timed out")

// Progress is one intermediate event from a running invocation.
// Seq increases monotonically within the invocation.
type Progress struct {
	Seq  int
	Kind string // "tool" or "text"
	Tool string // tool name, for Kind "tool"
	Text string // accumulated text so far, for Kind "text"
}

// Result is the outcome of an invocation. Partial marks output that was
// cut off by a timeout or abnormal exit; the caller decides whether a
// best-effort partial reply is worth delivering.
type Result struct {
	Text    string
	Partial bool
	Elapsed time.Duration
}

// Invoker runs the reasoning backend. It performs no retries: reasoning
// invocations are not guaranteed side-effect-free to repeat, so retry
// policy belongs to the orchestrator (which currently chooses never).
type Invoker struct {
	Binary  string // path or name of the CLI; empty means lookup
	Timeout time.Duration
}

const defaultTimeout = 10 * time.Minute

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Check verifies the backend CLI is reachable and returns its resolved
// path. Used by the health-check entry mode.
func (iv *Invoker) Check(ctx context.Context) (string, error) {
	bin := iv.Binary
	if bin == "" {
		bin = "claude"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", fmt.Errorf("backend CLI not found: %w", err)
	}
	return path, nil
}

// Invoke runs one isolated invocation with prompt. Progress events are
// sent to progress (if non-nil) without blocking; a slow consumer loses
// intermediate events, never the final result. On timeout the process
// is killed and ErrTimeout is returned alongside a partial Result.
func (iv *Invoker) Invoke(ctx context.Context, prompt string, progress chan<- Progress) (*Result, error) {
	bin := iv.Binary
	if bin == "" {
		bin = "claude"
	}
	timeout := iv.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin,
		"-p", prompt,
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--verbose",
	)
	cmd.Env = cleanEnv()
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start backend: %w", err)
	}
	slog.Debug("backend invocation started", "pid", cmd.Process.Pid, "timeout", timeout)

	var (
		text     strings.Builder
		final    string
		isError  bool
		seq      int
		lastTool string
	)
	emit := func(p Progress) {
		if progress == nil {
			return
		}
		seq++
		p.Seq = seq
		select {
		case progress <- p:
		default:
			// Slow consumer; intermediate events are droppable.
		}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		event := gjson.Parse(line)
		if !event.IsObject() {
			text.WriteString(line)
			text.WriteByte('\n')
			continue
		}

		switch event.Get("type").String() {
		case "assistant":
			event.Get("message.content").ForEach(func(_, block gjson.Result) bool {
				switch block.Get("type").String() {
				case "text":
					text.Reset()
					text.WriteString(block.Get("text").String())
					emit(Progress{Kind: "text", Text: text.String()})
				case "tool_use":
					if name := block.Get("name").String(); name != "" && name != lastTool {
						lastTool = name
						emit(Progress{Kind: "tool", Tool: name})
					}
				}
				return true
			})
		case "content_block_start":
			if name := event.Get("content_block.name").String(); name != "" && name != lastTool {
				lastTool = name
				emit(Progress{Kind: "tool", Tool: name})
			}
		case "content_block_delta":
			if delta := event.Get("delta.text").String(); delta != "" {
				text.WriteString(delta)
				emit(Progress{Kind: "text", Text: text.String()})
			}
		case "result":
			final = event.Get("result").String()
			isError = event.Get("is_error").Bool()
		}
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	output := final
	if output == "" {
		output = text.String()
	}
	output = strings.TrimSpace(ansiEscape.ReplaceAllString(output, ""))

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		slog.Warn("backend invocation timed out", "elapsed", elapsed.Round(time.Second))
		return &Result{Text: output, Partial: true, Elapsed: elapsed},
			fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err := ctx.Err(); err != nil {
		return &Result{Text: output, Partial: true, Elapsed: elapsed}, err
	}
	if isError {
		return &Result{Text: output, Partial: true, Elapsed: elapsed},
			fmt.Errorf("backend reported error: %s", firstLine(output))
	}
	if waitErr != nil {
		return &Result{Text: output, Partial: true, Elapsed: elapsed},
			fmt.Errorf("backend exited abnormally: %w (stderr: %s)", waitErr, firstLine(stderr.String()))
	}

	if output == "" {
		output = "(no output from backend)"
	}
	slog.Info("backend invocation complete", "elapsed", elapsed.Round(time.Millisecond), "len", len(output))
	return &Result{Text: output, Elapsed: elapsed}, nil
}

// cleanEnv strips the nested-session guard so the subordinate CLI does
// not refuse to start under the daemon.
func cleanEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "TERM=dumb")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

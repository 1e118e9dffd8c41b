// Package agent runs the external AI agent: one process per request, fed a
// prompt on stdin, bounded by a timeout and cancellable by request id.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leiMizzou/cc-wf-studio/internal/metrics"
)

const (
	// DefaultGracePeriod separates the graceful signal from the forced kill.
	DefaultGracePeriod = 500 * time.Millisecond

	maxOutputBytes = 8 << 20
	maxStderrBytes = 64 << 10
)

// Result is the output of a process that exited zero.
type Result struct {
	Output string
	Stderr string
	// Truncated reports that Output hit the capture limit and lost its tail.
	Truncated bool
	Duration  time.Duration
}

type reason int

const (
	reasonNone reason = iota
	reasonExited
	reasonTimeout
	reasonCancelled
)

func (r reason) String() string {
	switch r {
	case reasonExited:
		return "exited"
	case reasonTimeout:
		return "timeout"
	case reasonCancelled:
		return "cancelled"
	}
	return "none"
}

// handle is a process table entry. Only Execute touches cmd; other
// goroutines communicate through decided.
type handle struct {
	cmd     *exec.Cmd
	started time.Time
	// reason is written once, under Supervisor.mu, by the first claimant.
	reason  reason
	decided chan struct{}
}

// Supervisor owns the process table. The zero value is not usable; call New.
type Supervisor struct {
	locator   Locator
	grace     time.Duration
	maxOutput int
	logger    *slog.Logger

	mu    sync.Mutex
	table map[string]*handle
}

// New creates a Supervisor. A non-positive grace uses DefaultGracePeriod.
func New(locator Locator, grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Supervisor{
		locator:   locator,
		grace:     grace,
		maxOutput: maxOutputBytes,
		logger:    slog.Default(),
		table:     make(map[string]*handle),
	}
}

// WithLogger sets the logger used for process lifecycle events.
func (s *Supervisor) WithLogger(l *slog.Logger) *Supervisor {
	s.logger = l
	return s
}

func (s *Supervisor) register(id string, h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.table[id]; exists {
		return false
	}
	s.table[id] = h
	metrics.AgentProcessesRunning.Inc()
	return true
}

// claim removes h from the table and records why it is ending. Only the
// first caller for a given handle succeeds; later callers see no entry.
func (s *Supervisor) claim(id string, h *handle, r reason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.table[id]; !ok || cur != h {
		return false
	}
	delete(s.table, id)
	h.reason = r
	close(h.decided)
	metrics.AgentProcessesRunning.Dec()
	return true
}

func (s *Supervisor) reasonOf(h *handle) reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return h.reason
}

// Cancel terminates the in-flight invocation for requestID. It reports
// whether a live invocation was found; unknown, finished and already
// cancelled ids are a no-op.
func (s *Supervisor) Cancel(requestID string) bool {
	s.mu.Lock()
	h, ok := s.table[requestID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if !s.claim(requestID, h, reasonCancelled) {
		return false
	}
	s.logger.Info("agent request cancelled", "request_id", requestID)
	return true
}

// Running returns the request ids currently in the process table.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.table))
	for id := range s.table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Execute runs one agent invocation for prompt. It returns when the process
// has exited, whichever of completion, timeout or cancellation came first.
// Failures are *Error values.
func (s *Supervisor) Execute(ctx context.Context, prompt string, timeout time.Duration, requestID string) (Result, error) {
	if requestID == "" {
		return Result{}, &Error{Kind: KindUnknown, Message: "request id is required"}
	}
	if timeout <= 0 {
		return Result{}, &Error{Kind: KindUnknown, Message: fmt.Sprintf("timeout must be positive, got %s", timeout)}
	}

	if ctx.Err() != nil {
		return Result{}, &Error{Kind: KindCancelled, Message: "cancelled before start", Err: ctx.Err()}
	}

	command, err := s.locator.Resolve(ctx)
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			return Result{}, ae
		}
		return Result{}, &Error{Kind: KindNotFound, Message: "resolving agent command", Err: err}
	}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Env = command.Env
	cmd.Dir = command.Dir
	cmd.Stdin = strings.NewReader(prompt)
	stdout := &cappedBuffer{limit: s.maxOutput}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * s.grace
	setProcAttr(cmd)

	h := &handle{cmd: cmd, decided: make(chan struct{})}
	if !s.register(requestID, h) {
		return Result{}, &Error{Kind: KindUnknown, Message: fmt.Sprintf("request %s is already running", requestID)}
	}

	// Cancelled between registration and start: never spawn.
	select {
	case <-h.decided:
		return Result{}, &Error{Kind: KindCancelled, Message: "cancelled before start"}
	default:
	}

	h.started = time.Now()
	if err := cmd.Start(); err != nil {
		s.claim(requestID, h, reasonExited)
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return Result{}, &Error{Kind: KindNotFound, Message: fmt.Sprintf("starting %s", command.Path), Err: err}
		}
		return Result{}, &Error{Kind: KindUnknown, Message: fmt.Sprintf("starting %s", command.Path), Err: err}
	}
	s.logger.Debug("agent process started", "request_id", requestID, "pid", cmd.Process.Pid, "prompt_bytes", len(prompt))

	waitErr := s.supervise(ctx, requestID, h, timeout)
	elapsed := time.Since(h.started)
	r := s.reasonOf(h)
	metrics.RecordProcess(r.String(), elapsed)

	switch r {
	case reasonTimeout:
		s.logger.Warn("agent process timed out", "request_id", requestID, "timeout", timeout)
		return Result{}, &Error{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("agent did not respond within %s", timeout),
			Stderr:  stderr.String(),
		}
	case reasonCancelled:
		return Result{}, &Error{Kind: KindCancelled, Message: "request cancelled"}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			s.logger.Warn("agent process failed", "request_id", requestID, "exit_code", exitErr.ExitCode())
			return Result{}, &Error{
				Kind:     KindProcessFailed,
				Message:  fmt.Sprintf("agent exited with status %d", exitErr.ExitCode()),
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderr.String(),
				Err:      waitErr,
			}
		}
		return Result{}, &Error{Kind: KindUnknown, Message: "waiting for agent", Stderr: stderr.String(), Err: waitErr}
	}

	s.logger.Debug("agent process finished", "request_id", requestID, "duration", elapsed, "output_bytes", stdout.Len())
	truncated := stdout.Truncated()
	if truncated {
		s.logger.Warn("agent output exceeded capture limit, tail discarded", "request_id", requestID, "limit_bytes", s.maxOutput)
	}
	return Result{Output: stdout.String(), Stderr: stderr.String(), Truncated: truncated, Duration: elapsed}, nil
}

// supervise waits for the process to exit, racing it against the timer,
// ctx and Cancel. Whoever claims the handle first decides the outcome; a
// non-exit decision starts graceful termination followed by a forced kill.
func (s *Supervisor) supervise(ctx context.Context, id string, h *handle, timeout time.Duration) error {
	waitCh := make(chan error, 1)
	go func() { waitCh <- h.cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		timerC   = timer.C
		ctxDone  = ctx.Done()
		decided  = h.decided
		killC    <-chan time.Time
		killTime *time.Timer
	)
	defer func() {
		if killTime != nil {
			killTime.Stop()
		}
	}()

	for {
		select {
		case err := <-waitCh:
			s.claim(id, h, reasonExited)
			return err
		case <-timerC:
			timerC = nil
			s.claim(id, h, reasonTimeout)
		case <-ctxDone:
			ctxDone = nil
			s.claim(id, h, reasonCancelled)
		case <-decided:
			decided = nil
			if s.reasonOf(h) == reasonExited {
				continue
			}
			if err := terminateProcess(h.cmd.Process); err != nil {
				s.logger.Debug("graceful termination failed", "request_id", id, "error", err)
			}
			killTime = time.NewTimer(s.grace)
			killC = killTime.C
		case <-killC:
			killC = nil
			s.logger.Debug("agent ignored termination, killing", "request_id", id)
			if err := killProcess(h.cmd.Process); err != nil {
				s.logger.Debug("forced kill failed", "request_id", id, "error", err)
			}
		}
	}
}

// cappedBuffer keeps at most limit bytes and discards the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

func (b *cappedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

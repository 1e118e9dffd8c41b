package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// TestHelperProcess is not a real test. It is re-executed by helperLocator
// to stand in for the agent binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	switch os.Getenv("HELPER_MODE") {
	case "echo":
		data, _ := io.ReadAll(os.Stdin)
		fmt.Fprint(os.Stdout, strings.ToUpper(string(data)))
	case "fixed":
		io.Copy(io.Discard, os.Stdin)
		fmt.Fprint(os.Stdout, os.Getenv("HELPER_OUTPUT"))
	case "sleep":
		time.Sleep(30 * time.Second)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(30 * time.Second)
	case "fail":
		fmt.Fprint(os.Stderr, "boom: model unavailable")
		os.Exit(3)
	}
}

func helperLocator(mode string, env ...string) StaticLocator {
	return StaticLocator{
		Path: os.Args[0],
		Args: []string{"-test.run=TestHelperProcess", "--"},
		Env:  append(append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode), env...),
	}
}

func waitRunning(t *testing.T, s *Supervisor, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, r := range s.Running() {
			if r == id {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("request %s never appeared in the process table", id)
}

func requireKind(t *testing.T, err error, want ErrorKind) *Error {
	t.Helper()
	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v (%T), want *Error", err, err)
	}
	if ae.Kind != want {
		t.Fatalf("Kind = %s, want %s (%v)", ae.Kind, want, ae)
	}
	return ae
}

func TestExecute_Success(t *testing.T) {
	s := New(helperLocator("echo"), 0)
	res, err := s.Execute(context.Background(), "add logging", 10*time.Second, "req-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "ADD LOGGING" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.Duration <= 0 {
		t.Error("Duration not recorded")
	}
	if len(s.Running()) != 0 {
		t.Errorf("process table not empty: %v", s.Running())
	}
}

func TestExecute_ProcessFailed(t *testing.T) {
	s := New(helperLocator("fail"), 0)
	_, err := s.Execute(context.Background(), "x", 10*time.Second, "req-1")
	ae := requireKind(t, err, KindProcessFailed)
	if ae.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", ae.ExitCode)
	}
	if !strings.Contains(ae.Stderr, "boom") {
		t.Errorf("Stderr = %q", ae.Stderr)
	}
	if len(s.Running()) != 0 {
		t.Errorf("process table not empty: %v", s.Running())
	}
}

func TestExecute_NotFound(t *testing.T) {
	s := New(ConfigLocator{Command: "wfstudio-agent-that-does-not-exist"}, 0)
	_, err := s.Execute(context.Background(), "x", time.Second, "req-1")
	requireKind(t, err, KindNotFound)

	s = New(StaticLocator{Path: "/nonexistent/dir/agent"}, 0)
	_, err = s.Execute(context.Background(), "x", time.Second, "req-2")
	requireKind(t, err, KindNotFound)
	if len(s.Running()) != 0 {
		t.Errorf("process table not empty: %v", s.Running())
	}
}

func TestExecute_InvalidArguments(t *testing.T) {
	s := New(helperLocator("echo"), 0)
	_, err := s.Execute(context.Background(), "x", time.Second, "")
	requireKind(t, err, KindUnknown)
	_, err = s.Execute(context.Background(), "x", 0, "req")
	requireKind(t, err, KindUnknown)
}

func TestExecute_Timeout(t *testing.T) {
	s := New(helperLocator("sleep"), 100*time.Millisecond)
	start := time.Now()
	_, err := s.Execute(context.Background(), "x", 200*time.Millisecond, "req-1")
	requireKind(t, err, KindTimeout)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if len(s.Running()) != 0 {
		t.Errorf("process table not empty after timeout: %v", s.Running())
	}
	if s.Cancel("req-1") {
		t.Error("Cancel after timeout reported a live request")
	}
}

func TestCancel_StopsRunningProcess(t *testing.T) {
	s := New(helperLocator("sleep"), 100*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "x", 30*time.Second, "req-1")
		errCh <- err
	}()
	waitRunning(t, s, "req-1")

	if !s.Cancel("req-1") {
		t.Fatal("Cancel did not find the running request")
	}
	select {
	case err := <-errCh:
		requireKind(t, err, KindCancelled)
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after Cancel")
	}
	if s.Cancel("req-1") {
		t.Error("second Cancel should be a no-op")
	}
}

func TestCancel_UnknownAndFinished(t *testing.T) {
	s := New(helperLocator("echo"), 0)
	if s.Cancel("never-started") {
		t.Error("Cancel of unknown id returned true")
	}
	if _, err := s.Execute(context.Background(), "x", 10*time.Second, "req-1"); err != nil {
		t.Fatal(err)
	}
	if s.Cancel("req-1") {
		t.Error("Cancel of finished request returned true")
	}
}

func TestExecute_ContextCancel(t *testing.T) {
	s := New(helperLocator("sleep"), 100*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx, "x", 30*time.Second, "req-1")
		errCh <- err
	}()
	waitRunning(t, s, "req-1")
	cancel()

	select {
	case err := <-errCh:
		requireKind(t, err, KindCancelled)
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after context cancel")
	}
}

func TestExecute_EscalatesToKill(t *testing.T) {
	s := New(helperLocator("ignore-term"), 200*time.Millisecond)
	start := time.Now()
	_, err := s.Execute(context.Background(), "x", 300*time.Millisecond, "req-1")
	requireKind(t, err, KindTimeout)
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("forced kill took %s", elapsed)
	}
}

func TestExecute_DuplicateRequestID(t *testing.T) {
	s := New(helperLocator("sleep"), 100*time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Execute(context.Background(), "x", 30*time.Second, "req-1")
	}()
	waitRunning(t, s, "req-1")

	_, err := s.Execute(context.Background(), "x", time.Second, "req-1")
	requireKind(t, err, KindUnknown)

	s.Cancel("req-1")
	<-done
}

// Cancel and timeout fire at roughly the same instant; exactly one of them
// must decide the outcome and the table must end up empty.
func TestExecute_CancelTimeoutRace(t *testing.T) {
	s := New(helperLocator("sleep"), 50*time.Millisecond)

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("req-%d", i)
		var (
			wg      sync.WaitGroup
			execErr error
		)
		done := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			defer close(done)
			_, execErr = s.Execute(context.Background(), "x", time.Millisecond, id)
		}()
		go func() {
			defer wg.Done()
			for {
				if s.Cancel(id) {
					return
				}
				select {
				case <-done:
					return
				case <-time.After(100 * time.Microsecond):
				}
			}
		}()
		wg.Wait()

		kind := KindOf(execErr)
		if kind != KindTimeout && kind != KindCancelled {
			t.Fatalf("iteration %d: kind = %s, want timeout or cancelled", i, kind)
		}
		if len(s.Running()) != 0 {
			t.Fatalf("iteration %d: process table not empty: %v", i, s.Running())
		}
		if s.Cancel(id) {
			t.Fatalf("iteration %d: Cancel after terminal state returned true", i)
		}
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 5}
	n, err := b.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, _ = b.Write([]byte("defgh"))
	if n != 5 {
		t.Errorf("Write reported %d, want full length", n)
	}
	if b.String() != "abcde" || !b.Truncated() {
		t.Errorf("buffer = %q truncated=%v", b.String(), b.Truncated())
	}
}

func TestExecute_ReportsTruncatedOutput(t *testing.T) {
	s := New(helperLocator("fixed", "HELPER_OUTPUT="+strings.Repeat("x", 64)), 0)
	s.maxOutput = 16

	res, err := s.Execute(context.Background(), "p", 10*time.Second, "req-big")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Truncated || len(res.Output) != 16 {
		t.Errorf("Truncated = %v, len(Output) = %d; want true, 16", res.Truncated, len(res.Output))
	}

	res, err = New(helperLocator("fixed", "HELPER_OUTPUT=short"), 0).Execute(context.Background(), "p", 10*time.Second, "req-small")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Truncated {
		t.Error("short output reported as truncated")
	}
}

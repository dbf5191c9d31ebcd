package bridge

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/mc-bridge/config"
	"github.com/onnwee/mc-bridge/rcon"
	"github.com/onnwee/mc-bridge/tail"
	"github.com/onnwee/mc-bridge/testutil"
)

const sampleLog = `[22:31:40] [Server thread/INFO]: Starting minecraft server version 1.20.4
[22:31:41] [Server thread/WARN]: Can't keep up! Is the server overloaded?
[22:31:45] [Server thread/INFO]: steve[/10.0.0.5:53211] logged in with entity id 211 at (12.5, 64.0, -8.3)
[22:31:45] [Server thread/INFO]: steve joined the game
[22:31:46] [Async Chat Thread - #0/INFO]: <steve> blah
[22:31:47] [Server thread/INFO]: steve issued server command: /tell alex meet me

[22:31:52] [Server thread/INFO]: [Rcon] hello from chat
[22:31:52] [Server thread/INFO]: steve lost connection: Disconnected
`

func testConfig() *config.Config {
	return &config.Config{
		TailFile:              "/logs/latest.log",
		OutboundRoom:          "main",
		CommandRoom:           "mods",
		MaxConcurrentCommands: 4,
		CommandTimeout:        5 * time.Second,
	}
}

// spyRunner records payloads; block, when set, is awaited before returning.
type spyRunner struct {
	mu       sync.Mutex
	payloads []string
	calls    atomic.Int32
	running  atomic.Int32
	maxSeen  atomic.Int32
	block    chan struct{}
	output   string
	err      error
	ctxErrs  []error
}

func (s *spyRunner) Say(ctx context.Context, payload string) (string, error) {
	s.calls.Add(1)
	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			s.mu.Lock()
			s.ctxErrs = append(s.ctxErrs, ctx.Err())
			s.mu.Unlock()
			return "", ctx.Err()
		}
	}
	s.mu.Lock()
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()
	return s.output, s.err
}

// scriptedSource returns the next outcome on each Follow call.
type scriptedSource struct {
	mu       sync.Mutex
	outcomes []string // log text for a stream, or "!err" for a spawn failure
	calls    int
}

var errSpawn = errors.New("spawn failed")

func (s *scriptedSource) Follow(ctx context.Context, _ string) (*tail.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.outcomes) || s.outcomes[i] == "!err" {
		return nil, errSpawn
	}
	return tail.FromReader(ctx, strings.NewReader(s.outcomes[i])), nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitDone(t *testing.T, b *Bridge) {
	t.Helper()
	done := make(chan struct{})
	go func() { b.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("bridge did not finish")
	}
}

func TestOutboundForwardsFilteredLines(t *testing.T) {
	tr := testutil.NewFakeTransport()
	b := New(testConfig(), tr, tail.ReaderSource{Reader: strings.NewReader(sampleLog)}, &spyRunner{})
	b.Register()
	tr.Start(context.Background())
	waitDone(t, b)

	want := []string{
		"Starting minecraft server version 1.20.4",
		"steve joined the game",
		"&lt;steve&gt; blah",
		"&lt;bot&gt; hello from chat",
		"steve lost connection: Disconnected",
	}
	sent := tr.Sent()
	if len(sent) != len(want) {
		t.Fatalf("sent %d messages, want %d: %+v", len(sent), len(want), sent)
	}
	for i, m := range sent {
		if m.Room != "main" {
			t.Errorf("message %d sent to %q, want main", i, m.Room)
		}
		if m.Text != want[i] {
			t.Errorf("message %d = %q, want %q", i, m.Text, want[i])
		}
	}

	st := b.Status()
	if st.Tailing {
		t.Error("Tailing = true after stream ended")
	}
	if st.LinesForwarded != 5 || st.LinesSuppressed != 4 {
		t.Errorf("status forwarded=%d suppressed=%d, want 5/4", st.LinesForwarded, st.LinesSuppressed)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	src := &scriptedSource{outcomes: []string{"[00:00:00] [Server thread/INFO]: once\n"}}
	tr := testutil.NewFakeTransport()
	b := New(testConfig(), tr, src, &spyRunner{})
	b.Register()
	tr.Start(context.Background())
	tr.Start(context.Background())
	waitDone(t, b)
	if src.Calls() != 1 {
		t.Errorf("Follow called %d times, want 1", src.Calls())
	}
}

func TestOutboundStopsOnSpawnFailure(t *testing.T) {
	src := &scriptedSource{outcomes: []string{"!err"}}
	b := New(testConfig(), testutil.NewFakeTransport(), src, &spyRunner{})
	b.Start(context.Background())
	waitDone(t, b)
	if src.Calls() != 1 {
		t.Errorf("Follow called %d times, want 1 (no restart by default)", src.Calls())
	}
}

func TestSendFailuresAreNotFatal(t *testing.T) {
	tr := testutil.NewFakeTransport()
	tr.SendErr = testutil.ErrSendFailed
	b := New(testConfig(), tr, tail.ReaderSource{Reader: strings.NewReader(sampleLog)}, &spyRunner{})
	b.Start(context.Background())
	waitDone(t, b)
	if got := b.Status().SendFailures; got != 5 {
		t.Errorf("SendFailures = %d, want 5", got)
	}
}

func TestOutboundStopsOnCancel(t *testing.T) {
	src := &scriptedSource{outcomes: []string{"!err"}}
	cfg := testConfig()
	cfg.TailRestart = true
	b := New(cfg, testutil.NewFakeTransport(), src, &spyRunner{})
	b.backoff = &backoff.ConstantBackOff{Interval: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	waitDone(t, b)
}

func TestTailRestartWithLimit(t *testing.T) {
	src := &scriptedSource{outcomes: []string{
		"[00:00:00] [Server thread/INFO]: first\n",
		"!err",
		"[00:00:01] [Server thread/INFO]: second\n",
	}}
	cfg := testConfig()
	cfg.TailRestart = true
	cfg.TailRestartMax = 2
	tr := testutil.NewFakeTransport()
	b := New(cfg, tr, src, &spyRunner{})
	b.backoff = &backoff.ConstantBackOff{Interval: time.Millisecond}

	b.Start(context.Background())
	waitDone(t, b)

	// first, err, second (resets the budget), then two failed restarts before giving up.
	if src.Calls() != 5 {
		t.Errorf("Follow called %d times, want 5", src.Calls())
	}
	if got := b.Status().TailRestarts; got != 4 {
		t.Errorf("TailRestarts = %d, want 4", got)
	}
	sent := tr.Sent()
	if len(sent) != 2 || sent[0].Text != "first" || sent[1].Text != "second" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestCommandFromOtherRoomIsIgnored(t *testing.T) {
	tr := testutil.NewFakeTransport()
	spy := &spyRunner{}
	b := New(testConfig(), tr, tail.ReaderSource{Reader: strings.NewReader("")}, spy)
	b.Register()

	tr.Deliver(context.Background(), "general", "mallory", "!say hello world")
	waitDone(t, b)

	if n := spy.calls.Load(); n != 0 {
		t.Fatalf("runner invoked %d times for a room that is not allowed", n)
	}
	if got := b.Status().CommandsRejected; got != 1 {
		t.Errorf("CommandsRejected = %d, want 1", got)
	}
}

func TestCommandFromAllowedRoom(t *testing.T) {
	tr := testutil.NewFakeTransport()
	spy := &spyRunner{output: "ok"}
	b := New(testConfig(), tr, tail.ReaderSource{Reader: strings.NewReader("")}, spy)
	b.Register()

	tr.Deliver(context.Background(), "#Mods", "alice", "!say hello world")
	tr.Deliver(context.Background(), "mods", "alice", "say without bang")
	tr.Deliver(context.Background(), "mods", "alice", "!say    ")
	waitDone(t, b)

	if n := spy.calls.Load(); n != 1 {
		t.Fatalf("runner invoked %d times, want 1", n)
	}
	if spy.payloads[0] != "hello world" {
		t.Errorf("payload = %q", spy.payloads[0])
	}
	if len(tr.Sent()) != 0 {
		t.Errorf("output echoed with echo disabled: %+v", tr.Sent())
	}
	if st := b.Status(); st.Commands != 1 || st.CommandsFailed != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestShellMetacharactersReachClientLiterally(t *testing.T) {
	script := testutil.WriteScript(t, "mcrcon", `echo "argc=$#"; for a in "$@"; do echo "[$a]"; done`)
	cfg := testConfig()
	cfg.EchoCommandOutput = true
	tr := testutil.NewFakeTransport()
	runner := &rcon.Runner{Binary: script, Host: "localhost", Port: "25575", Password: "pw"}
	b := New(cfg, tr, tail.ReaderSource{Reader: strings.NewReader("")}, runner)
	b.Register()

	tr.Deliver(context.Background(), "mods", "alice", "!say ; rm -rf /")
	waitDone(t, b)

	sent := tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected echoed output, got %+v", sent)
	}
	out := sent[0].Text
	if !strings.Contains(out, "argc=8") || !strings.Contains(out, "[say ; rm -rf /]") {
		t.Errorf("payload not passed as one literal argument: %q", out)
	}
	if sent[0].Room != "main" {
		t.Errorf("echo sent to %q, want main", sent[0].Room)
	}
}

func TestCommandFailureIsContained(t *testing.T) {
	tr := testutil.NewFakeTransport()
	spy := &spyRunner{err: errors.New("start /data/mcrcon: no such file or directory")}
	b := New(testConfig(), tr, tail.ReaderSource{Reader: strings.NewReader("")}, spy)
	b.Register()

	tr.Deliver(context.Background(), "mods", "alice", "!say hi")
	waitDone(t, b)
	if st := b.Status(); st.Commands != 1 || st.CommandsFailed != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestConcurrentCommandsAreBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentCommands = 2
	tr := testutil.NewFakeTransport()
	spy := &spyRunner{block: make(chan struct{})}
	b := New(cfg, tr, tail.ReaderSource{Reader: strings.NewReader("")}, spy)
	b.Register()

	for i := 0; i < 6; i++ {
		tr.Deliver(context.Background(), "mods", "alice", "!say spam")
	}
	deadline := time.Now().Add(5 * time.Second)
	for spy.running.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(spy.block)
	waitDone(t, b)

	if m := spy.maxSeen.Load(); m != 2 {
		t.Errorf("max concurrent runs = %d, want 2", m)
	}
	if n := spy.calls.Load(); n != 6 {
		t.Errorf("runs = %d, want 6", n)
	}
}

func TestCommandTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	tr := testutil.NewFakeTransport()
	spy := &spyRunner{block: make(chan struct{})}
	b := New(cfg, tr, tail.ReaderSource{Reader: strings.NewReader("")}, spy)
	b.Register()

	tr.Deliver(context.Background(), "mods", "alice", "!say hang")
	waitDone(t, b)

	if len(spy.ctxErrs) != 1 || !errors.Is(spy.ctxErrs[0], context.DeadlineExceeded) {
		t.Errorf("ctx errors = %v, want one deadline exceeded", spy.ctxErrs)
	}
	if got := b.Status().CommandsFailed; got != 1 {
		t.Errorf("CommandsFailed = %d, want 1", got)
	}
}

func TestWaitReturnsAfterCancelWithIdleReader(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	tr := testutil.NewFakeTransport()
	b := New(testConfig(), tr, tail.ReaderSource{Reader: pr}, &spyRunner{})
	b.Register()

	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	if !b.Tailing() {
		t.Fatal("bridge not tailing before cancel")
	}
	cancel()

	done := make(chan struct{})
	go func() { b.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel while the reader was idle")
	}
	if b.Tailing() {
		t.Error("Tailing() = true after shutdown")
	}
}

// slowRunner blocks until ctx is done, then returns partial output.
type slowRunner struct{}

func (slowRunner) Say(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "partial output", ctx.Err()
}

func TestEchoAfterTimeoutUsesParentContext(t *testing.T) {
	cfg := testConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	cfg.EchoCommandOutput = true
	tr := testutil.NewFakeTransport()
	tr.HonorContext = true
	b := New(cfg, tr, tail.ReaderSource{Reader: strings.NewReader("")}, slowRunner{})
	b.Register()

	tr.Deliver(context.Background(), "mods", "alice", "!say hang")
	waitDone(t, b)

	sent := tr.Sent()
	if len(sent) != 1 || sent[0].Room != "main" || sent[0].Text != "partial output" {
		t.Fatalf("sent = %+v, want the timed-out output echoed to main", sent)
	}
	if got := b.Status().SendFailures; got != 0 {
		t.Errorf("SendFailures = %d, want 0", got)
	}
}

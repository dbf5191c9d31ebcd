// Package bridge relays a Minecraft server's log into a chat room and runs
// `!say` commands from an allow-listed room on the server console.
//
// Two independent paths run once the transport reports startup:
//   - Outbound: tail the server log, classify every line with logfilter, and
//     send forwarded lines to the outbound room. When the tail ends, the loop
//     stops (or restarts with backoff when configured).
//   - Inbound: each `!say <text>` from the command room spawns the console
//     client in its own goroutine. Messages from other rooms are ignored.
package bridge

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/onnwee/mc-bridge/chat"
	"github.com/onnwee/mc-bridge/config"
	"github.com/onnwee/mc-bridge/logfilter"
	"github.com/onnwee/mc-bridge/tail"
	"github.com/onnwee/mc-bridge/telemetry"
)

// SayPattern matches an inbound console command; group 1 is the payload.
var SayPattern = regexp.MustCompile(`^!say (.*)`)

// Transport is the chat side consumed by the bridge.
type Transport interface {
	OnStartup(fn chat.StartupFunc)
	OnMessageMatching(pattern *regexp.Regexp, fn chat.MessageFunc)
	Send(ctx context.Context, room, text string) error
}

// LineSource opens a follow-mode stream over path.
type LineSource interface {
	Follow(ctx context.Context, path string) (*tail.Stream, error)
}

// CommandRunner broadcasts payload on the game server and returns the console
// client's output.
type CommandRunner interface {
	Say(ctx context.Context, payload string) (string, error)
}

// Invocation is one accepted `!say` request.
type Invocation struct {
	ID      string
	Room    string
	User    string
	Payload string
}

// Status is a point-in-time snapshot of bridge activity.
type Status struct {
	Tailing          bool  `json:"tailing"`
	TailRestarts     int64 `json:"tail_restarts"`
	LinesForwarded   int64 `json:"lines_forwarded"`
	LinesSuppressed  int64 `json:"lines_suppressed"`
	SendFailures     int64 `json:"send_failures"`
	Commands         int64 `json:"commands"`
	CommandsFailed   int64 `json:"commands_failed"`
	CommandsRejected int64 `json:"commands_rejected"`
}

// Bridge wires a transport to a log source and a console runner.
type Bridge struct {
	cfg       *config.Config
	transport Transport
	source    LineSource
	runner    CommandRunner
	sem       *semaphore.Weighted
	backoff   backoff.BackOff
	logger    *slog.Logger

	startOnce sync.Once
	wg        sync.WaitGroup

	tailing          atomic.Bool
	tailRestarts     atomic.Int64
	linesForwarded   atomic.Int64
	linesSuppressed  atomic.Int64
	sendFailures     atomic.Int64
	commands         atomic.Int64
	commandsFailed   atomic.Int64
	commandsRejected atomic.Int64
}

// New builds a Bridge. cfg must not be modified afterwards.
func New(cfg *config.Config, transport Transport, source LineSource, runner CommandRunner) *Bridge {
	telemetry.Init()
	limit := int64(cfg.MaxConcurrentCommands)
	if limit < 1 {
		limit = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	return &Bridge{
		cfg:       cfg,
		transport: transport,
		source:    source,
		runner:    runner,
		sem:       semaphore.NewWeighted(limit),
		backoff:   bo,
		logger:    slog.Default().With(slog.String("component", "bridge")),
	}
}

// Register hooks the bridge into the transport's startup and message events.
func (b *Bridge) Register() {
	b.transport.OnStartup(b.Start)
	b.transport.OnMessageMatching(SayPattern, b.HandleCommand)
}

// Start launches the outbound loop. Later calls are no-ops.
func (b *Bridge) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.runOutbound(ctx)
		}()
	})
}

// Wait blocks until the outbound loop and all running commands have returned.
func (b *Bridge) Wait() { b.wg.Wait() }

// Status returns current counters.
func (b *Bridge) Status() Status {
	return Status{
		Tailing:          b.tailing.Load(),
		TailRestarts:     b.tailRestarts.Load(),
		LinesForwarded:   b.linesForwarded.Load(),
		LinesSuppressed:  b.linesSuppressed.Load(),
		SendFailures:     b.sendFailures.Load(),
		Commands:         b.commands.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		CommandsRejected: b.commandsRejected.Load(),
	}
}

// Tailing reports whether the log stream is currently open.
func (b *Bridge) Tailing() bool { return b.tailing.Load() }

func (b *Bridge) runOutbound(ctx context.Context) {
	logger := b.logger.With(slog.String("path", b.cfg.TailFile))
	failures := 0
	for {
		delivered, err := b.tailOnce(ctx)
		b.tailing.Store(false)
		telemetry.SetTailUp(false)
		if ctx.Err() != nil {
			logger.Info("log tail stopped", slog.Any("reason", ctx.Err()))
			return
		}
		logger.Error("log tail ended; forwarding stopped", slog.Any("err", err), slog.Int("lines", delivered), slog.Bool("restart", b.cfg.TailRestart))
		if !b.cfg.TailRestart {
			return
		}

		if delivered > 0 {
			b.backoff.Reset()
			failures = 0
		}
		failures++
		if limit := b.cfg.TailRestartMax; limit > 0 && failures > limit {
			logger.Error("log tail restart limit reached", slog.Int("max", limit))
			return
		}
		delay := b.backoff.NextBackOff()
		logger.Warn("restarting log tail", slog.Duration("delay", delay), slog.Int("attempt", failures))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		b.tailRestarts.Add(1)
		telemetry.TailRestarts.Inc()
	}
}

// tailOnce forwards lines from one stream until it ends.
func (b *Bridge) tailOnce(ctx context.Context) (int, error) {
	stream, err := b.source.Follow(ctx, b.cfg.TailFile)
	if err != nil {
		return 0, err
	}
	b.tailing.Store(true)
	telemetry.SetTailUp(true)

	n := 0
	for line := range stream.Lines() {
		n++
		b.forward(ctx, line)
	}
	return n, stream.Err()
}

func (b *Bridge) forward(ctx context.Context, line string) {
	telemetry.LinesRead.Inc()
	parsed := logfilter.Classify(line)
	if !parsed.Forwarded() {
		b.linesSuppressed.Add(1)
		telemetry.LinesSuppressed.WithLabelValues(string(parsed.Reason)).Inc()
		return
	}
	if err := b.transport.Send(ctx, b.cfg.OutboundRoom, parsed.Text); err != nil {
		b.sendFailures.Add(1)
		telemetry.SendFailures.Inc()
		b.logger.Warn("chat send failed", slog.String("room", b.cfg.OutboundRoom), slog.Any("err", err))
		return
	}
	b.linesForwarded.Add(1)
	telemetry.LinesForwarded.Inc()
}

// HandleCommand authorizes a `!say` message and runs it asynchronously.
func (b *Bridge) HandleCommand(ctx context.Context, msg chat.Message) {
	if len(msg.Match) < 2 {
		return
	}
	if chat.NormalizeRoom(msg.Room) != chat.NormalizeRoom(b.cfg.CommandRoom) {
		b.commandsRejected.Add(1)
		telemetry.CommandsRejected.Inc()
		b.logger.Debug("ignoring command from room that is not allowed", slog.String("room", msg.Room), slog.String("user", msg.User))
		return
	}
	payload := msg.Match[1]
	if strings.TrimSpace(payload) == "" {
		return
	}
	inv := Invocation{ID: uuid.NewString(), Room: msg.Room, User: msg.User, Payload: payload}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.execute(ctx, inv)
	}()
}

func (b *Bridge) execute(ctx context.Context, inv Invocation) {
	ctx = telemetry.WithCorrelation(ctx, inv.ID)
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "bridge"), slog.String("room", inv.Room), slog.String("user", inv.User))

	if err := b.sem.Acquire(ctx, 1); err != nil {
		logger.Warn("command dropped before start", slog.Any("err", err))
		return
	}
	defer b.sem.Release(1)
	telemetry.CommandsInFlight.Inc()
	defer telemetry.CommandsInFlight.Dec()

	ctx, span := telemetry.StartSpan(ctx, "bridge", "rcon.say", telemetry.CommandAttrs(inv.Room, inv.User, inv.Payload)...)
	defer span.End()
	runCtx := ctx
	if b.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, b.cfg.CommandTimeout)
		defer cancel()
	}

	var (
		output string
		err    error
	)
	d := telemetry.TimeFunc(telemetry.CommandDuration, func() {
		output, err = b.runner.Say(runCtx, inv.Payload)
	})
	b.commands.Add(1)
	if err != nil {
		b.commandsFailed.Add(1)
		telemetry.CommandsTotal.WithLabelValues("error").Inc()
		telemetry.RecordError(span, err)
		logger.Error("rcon command failed", slog.Any("err", err), slog.String("output", output), slog.Duration("took", d))
	} else {
		telemetry.CommandsTotal.WithLabelValues("ok").Inc()
		telemetry.SetSpanSuccess(span)
		logger.Debug("rcon command done", slog.String("output", output), slog.Duration("took", d))
	}

	// The echo outlives the command deadline.
	if b.cfg.EchoCommandOutput && output != "" {
		if err := b.transport.Send(ctx, b.cfg.OutboundRoom, output); err != nil {
			b.sendFailures.Add(1)
			telemetry.SendFailures.Inc()
			logger.Warn("echo command output failed", slog.Any("err", err))
		}
	}
}

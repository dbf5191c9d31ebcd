// Package rcon runs console commands on the game server through an external
// mcrcon-compatible client.
package rcon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/mc-bridge/textutil"
)

// DefaultBinary is used when Runner.Binary is empty.
const DefaultBinary = "/data/mcrcon"

// DefaultWaitDelay is used when Runner.WaitDelay is zero.
const DefaultWaitDelay = 2 * time.Second

// Runner holds the remote-console connection parameters.
type Runner struct {
	Binary   string
	Host     string
	Port     string
	Password string
	Logger   *slog.Logger

	// WaitDelay bounds how long output is drained after ctx is done. A child
	// of the client holding stdout or stderr open is cut off after it.
	WaitDelay time.Duration
}

// SayCommand builds the console command broadcasting payload to players.
// Control characters are replaced because a console command is a single line.
func SayCommand(payload string) string {
	return "say " + strings.TrimSpace(textutil.StripControl(payload))
}

// Args returns the client arguments for command. The command is one argv
// element; no shell ever sees it.
func (r *Runner) Args(command string) []string {
	return []string{"-c", "-p", r.Password, "-H", r.Host, "-P", r.Port, command}
}

// Say runs `say <payload>` and returns the captured client output.
func (r *Runner) Say(ctx context.Context, payload string) (string, error) {
	return r.Run(ctx, SayCommand(payload))
}

// Run executes command and returns everything the client printed: stdout
// fragments followed by stderr fragments, each trimmed and escaped, joined by a
// space. A non-zero exit returns the output alongside the error.
func (r *Runner) Run(ctx context.Context, command string) (string, error) {
	bin := r.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	logger := r.logger()

	delay := r.WaitDelay
	if delay <= 0 {
		delay = DefaultWaitDelay
	}

	cmd := exec.CommandContext(ctx, bin, r.Args(command)...)
	cmd.WaitDelay = delay
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("rcon stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("rcon stderr pipe: %w", err)
	}
	logger.Debug("running rcon command", slog.String("binary", bin), slog.String("host", r.Host), slog.String("port", r.Port), slog.String("command", command))
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", bin, err)
	}

	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(delay, func() {
			_ = stdout.Close()
			_ = stderr.Close()
		})
	})

	var (
		wg       sync.WaitGroup
		out, eot []string
	)
	wg.Add(2)
	go func() { defer wg.Done(); out = drain(stdout) }()
	go func() { defer wg.Done(); eot = drain(stderr) }()
	wg.Wait()
	stop()
	waitErr := cmd.Wait()

	output := strings.Join(append(out, eot...), " ")
	logger.Debug("rcon output", slog.String("output", output))
	if waitErr != nil {
		if ctx.Err() != nil {
			return output, fmt.Errorf("rcon command: %w", ctx.Err())
		}
		return output, fmt.Errorf("rcon client exited: %w", waitErr)
	}
	return output, nil
}

// drain reads r until EOF, returning the non-empty escaped fragments.
func drain(r io.Reader) []string {
	var frags []string
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if s := strings.ReplaceAll(strings.TrimSpace(line), "\r", ""); s != "" {
			frags = append(frags, textutil.EscapeNonPrintable(s))
		}
		if err != nil {
			return frags
		}
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default().With(slog.String("component", "rcon"))
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	twitch "github.com/gempir/go-twitch-irc/v4"
)

// ErrNotConnected is returned by Send before the first connect or after a drop.
var ErrNotConnected = errors.New("chat: not connected")

// MaxMessageLen is the longest message Twitch accepts.
const MaxMessageLen = 500

// Message is one inbound chat message. Match holds the submatches of the
// pattern it was routed by.
type Message struct {
	Room  string
	User  string
	Text  string
	Match []string
}

// StartupFunc runs once the transport is up.
type StartupFunc func(ctx context.Context)

// MessageFunc handles a routed message.
type MessageFunc func(ctx context.Context, msg Message)

type route struct {
	pattern *regexp.Regexp
	fn      MessageFunc
}

// NormalizeRoom lowercases a channel name and drops a leading '#'.
func NormalizeRoom(room string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(room), "#"))
}

// TwitchTransport connects to Twitch IRC and routes private messages to handlers.
type TwitchTransport struct {
	client *twitch.Client
	rooms  []string

	mu      sync.RWMutex
	startup []StartupFunc
	routes  []route

	ctx       context.Context
	startOnce sync.Once
	connected atomic.Bool
}

// NewTwitchTransport builds a transport for username/token that joins rooms on connect.
func NewTwitchTransport(username, token string, rooms ...string) *TwitchTransport {
	t := &TwitchTransport{
		client: twitch.NewClient(username, token),
		ctx:    context.Background(),
	}
	seen := map[string]bool{}
	for _, r := range rooms {
		r = NormalizeRoom(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		t.rooms = append(t.rooms, r)
	}
	t.client.OnConnect(func() {
		t.connected.Store(true)
		slog.Info("chat connected", slog.Any("rooms", t.rooms), slog.String("component", "chat"))
		t.fireStartup(t.ctx)
	})
	t.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		t.dispatch(t.ctx, Message{Room: msg.Channel, User: msg.User.Name, Text: msg.Message})
	})
	return t
}

// OnStartup registers fn to run once, on the first connect.
func (t *TwitchTransport) OnStartup(fn StartupFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startup = append(t.startup, fn)
}

// OnMessageMatching registers fn for messages whose text matches pattern.
func (t *TwitchTransport) OnMessageMatching(pattern *regexp.Regexp, fn MessageFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, route{pattern: pattern, fn: fn})
}

// Send posts text to room. Text longer than MaxMessageLen is truncated.
func (t *TwitchTransport) Send(_ context.Context, room, text string) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	if text == "" {
		return nil
	}
	t.client.Say(NormalizeRoom(room), truncate(text, MaxMessageLen))
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Connected reports whether the IRC connection is currently up.
func (t *TwitchTransport) Connected() bool { return t.connected.Load() }

// Run joins the configured rooms and keeps the connection up until ctx is done.
// Dropped connections are retried with exponential backoff.
func (t *TwitchTransport) Run(ctx context.Context) error {
	t.ctx = ctx
	t.client.Join(t.rooms...)

	go func() {
		<-ctx.Done()
		if err := t.client.Disconnect(); err != nil {
			slog.Debug("chat disconnect", slog.Any("err", err), slog.String("component", "chat"))
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	for {
		started := time.Now()
		err := t.client.Connect()
		t.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
			return fmt.Errorf("chat login: %w", err)
		}
		if time.Since(started) > bo.MaxInterval {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		slog.Warn("chat connection lost; reconnecting", slog.Any("err", err), slog.Duration("delay", delay), slog.String("component", "chat"))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (t *TwitchTransport) fireStartup(ctx context.Context) {
	t.startOnce.Do(func() {
		t.mu.RLock()
		fns := append([]StartupFunc(nil), t.startup...)
		t.mu.RUnlock()
		for _, fn := range fns {
			fn(ctx)
		}
	})
}

// dispatch invokes every route whose pattern matches msg.Text.
func (t *TwitchTransport) dispatch(ctx context.Context, msg Message) {
	t.mu.RLock()
	routes := append([]route(nil), t.routes...)
	t.mu.RUnlock()
	for _, r := range routes {
		m := r.pattern.FindStringSubmatch(msg.Text)
		if m == nil {
			continue
		}
		routed := msg
		routed.Match = m
		r.fn(ctx, routed)
	}
}

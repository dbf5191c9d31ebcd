package testutil

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/onnwee/mc-bridge/chat"
)

// SentMessage is one message recorded by FakeTransport.
type SentMessage struct {
	Room string
	Text string
}

// FakeTransport is an in-memory chat transport. Deliver routes a message the
// way a real transport would; Send records outbound messages.
type FakeTransport struct {
	mu      sync.Mutex
	startup []chat.StartupFunc
	routes  []fakeRoute
	sent    []SentMessage
	notify  chan struct{}

	// SendErr, when set, is returned from every Send.
	SendErr error
	// HonorContext makes Send fail with ctx.Err() once ctx is done.
	HonorContext bool
}

type fakeRoute struct {
	pattern *regexp.Regexp
	fn      chat.MessageFunc
}

// ErrSendFailed is a convenience error for SendErr.
var ErrSendFailed = errors.New("fake transport: send failed")

// NewFakeTransport returns an empty transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{notify: make(chan struct{}, 1024)}
}

func (f *FakeTransport) OnStartup(fn chat.StartupFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startup = append(f.startup, fn)
}

func (f *FakeTransport) OnMessageMatching(p *regexp.Regexp, fn chat.MessageFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, fakeRoute{pattern: p, fn: fn})
}

func (f *FakeTransport) Send(ctx context.Context, room, text string) error {
	f.mu.Lock()
	err := f.SendErr
	if err == nil && f.HonorContext {
		err = ctx.Err()
	}
	if err == nil {
		f.sent = append(f.sent, SentMessage{Room: room, Text: text})
	}
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return err
}

// Start fires the registered startup callbacks.
func (f *FakeTransport) Start(ctx context.Context) {
	f.mu.Lock()
	fns := append([]chat.StartupFunc(nil), f.startup...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ctx)
	}
}

// Deliver routes an inbound message to every matching handler.
func (f *FakeTransport) Deliver(ctx context.Context, room, user, text string) {
	f.mu.Lock()
	routes := append([]fakeRoute(nil), f.routes...)
	f.mu.Unlock()
	for _, r := range routes {
		if m := r.pattern.FindStringSubmatch(text); m != nil {
			r.fn(ctx, chat.Message{Room: room, User: user, Text: text, Match: m})
		}
	}
}

// Sent returns a copy of the recorded messages.
func (f *FakeTransport) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// Attempts is signalled on every Send call, successful or not.
func (f *FakeTransport) Attempts() <-chan struct{} { return f.notify }

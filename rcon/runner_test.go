package rcon

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/mc-bridge/testutil"
)

// echoArgs prints every argument on its own line, then a note on stderr.
const echoArgs = `echo "argc=$#"
for a in "$@"; do echo "arg=$a"; done
echo "done" 1>&2`

func TestSayCommand(t *testing.T) {
	tests := map[string]string{
		"hello world":     "say hello world",
		"  padded  ":      "say padded",
		"two\nlines":      "say two lines",
		"; rm -rf /":      "say ; rm -rf /",
		"$(reboot) `id`":  "say $(reboot) `id`",
		"it's \"quoted\"": `say it's "quoted"`,
	}
	for in, want := range tests {
		if got := SayCommand(in); got != want {
			t.Errorf("SayCommand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestArgs(t *testing.T) {
	r := &Runner{Host: "mc.local", Port: "25575", Password: "pw"}
	got := r.Args("say hi")
	want := []string{"-c", "-p", "pw", "-H", "mc.local", "-P", "25575", "say hi"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("Args = %q, want %q", got, want)
	}
}

func TestSayPassesPayloadAsSingleArgument(t *testing.T) {
	r := &Runner{Binary: testutil.WriteScript(t, "mcrcon", echoArgs), Host: "localhost", Port: "25575", Password: "secret"}
	out, err := r.Say(context.Background(), "; rm -rf /")
	if err != nil {
		t.Fatalf("Say error: %v", err)
	}
	want := "argc=8 arg=-c arg=-p arg=secret arg=-H arg=localhost arg=-P arg=25575 arg=say ; rm -rf / done"
	if out != want {
		t.Fatalf("output = %q\nwant     %q", out, want)
	}
}

func TestRunEscapesOutput(t *testing.T) {
	bin := testutil.WriteScript(t, "mcrcon", `printf 'Hello\r\n\033[0m\n\n'; printf 'caf\303\251\n' 1>&2`)
	out, err := (&Runner{Binary: bin}).Run(context.Background(), "list")
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if want := `Hello \x1b[0m caf\u00e9`; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestRunNonZeroExitKeepsOutput(t *testing.T) {
	bin := testutil.WriteScript(t, "mcrcon", `echo "Connection failed." 1>&2; exit 1`)
	out, err := (&Runner{Binary: bin}).Run(context.Background(), "say hi")
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *exec.ExitError", err)
	}
	if out != "Connection failed." {
		t.Errorf("output = %q", out)
	}
}

func TestRunMissingBinary(t *testing.T) {
	out, err := (&Runner{Binary: filepath.Join(t.TempDir(), "mcrcon")}).Run(context.Background(), "say hi")
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if out != "" {
		t.Errorf("output = %q, want empty", out)
	}
}

func TestRunTimeout(t *testing.T) {
	bin := testutil.WriteScript(t, "mcrcon", `exec sleep 30`)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := (&Runner{Binary: bin}).Run(ctx, "say hi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("timeout did not kill the client")
	}
}

func TestRunTimeoutWithChildHoldingOutput(t *testing.T) {
	// The background sleep inherits stdout and stderr and outlives the kill.
	bin := testutil.WriteScript(t, "mcrcon", "sleep 5 &\nexec sleep 30")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := (&Runner{Binary: bin, WaitDelay: 100 * time.Millisecond}).Run(ctx, "say hi")
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want deadline exceeded", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the timeout while a child held the output pipes")
	}
}

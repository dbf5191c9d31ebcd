package textutil

import "testing"

func TestEscapeNonPrintable(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "alice joined the game", "alice joined the game"},
		{"empty", "", ""},
		{"tab", "a\tb", `a\tb`},
		{"ansi", "\x1b[31mred", `\x1b[31mred`},
		{"del", "x\x7f", `x\x7f`},
		{"latin", "café", `caf\u00e9`},
		{"emoji", "hi 😀", `hi \U0001f600`},
		{"backslash", `C:\dir`, `C:\\dir`},
		{"invalid utf8", "a\xffb", `a\xffb`},
		{"quotes untouched", `say "hi" it's`, `say "hi" it's`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeNonPrintable(tt.in); got != tt.want {
				t.Errorf("EscapeNonPrintable(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripControl(t *testing.T) {
	if got := StripControl("hello\r\nworld\x00!"); got != "hello  world !" {
		t.Errorf("StripControl = %q", got)
	}
	if got := StripControl("héllo"); got != "héllo" {
		t.Errorf("StripControl changed printable text: %q", got)
	}
}

// Package logfilter decides which Minecraft server log lines are relayed to chat
// and rewrites the ones that are.
//
// Sample input:
//
//	[22:31:46] [Async Chat Thread - #0/INFO]: <steve> hello
//	[22:31:52] [Server thread/INFO]: steve lost connection: Disconnected
//	[22:31:52] [Server thread/INFO]: [Rcon] hello from chat
//
// Classify is pure: it holds no state between lines and performs no I/O.
package logfilter

import (
	"regexp"
	"strings"

	"github.com/onnwee/mc-bridge/textutil"
)

// Action is the outcome of classifying one line.
type Action int

const (
	// Suppress drops the line.
	Suppress Action = iota
	// Forward relays ParsedLine.Text to chat.
	Forward
)

func (a Action) String() string {
	if a == Forward {
		return "forward"
	}
	return "suppress"
}

// Reason explains a suppression. It is empty for forwarded lines.
type Reason string

const (
	ReasonEmpty   Reason = "empty"
	ReasonNotInfo Reason = "not_info"
	ReasonPrivate Reason = "private"
)

// BotMarker replaces the "[Rcon] " prefix on lines echoed by the server after a
// console command, so chat can tell bridge-issued messages apart.
const BotMarker = "&lt;bot&gt; "

// ParsedLine is the classification result for one raw line.
type ParsedLine struct {
	Action Action
	Text   string
	Reason Reason
}

// Forwarded reports whether the line should be sent.
func (p ParsedLine) Forwarded() bool { return p.Action == Forward }

var (
	infoRe    = regexp.MustCompile(`(Async Chat Thread - \S+|Server thread/)INFO\]:`)
	privateRe = regexp.MustCompile(`(?i)(logged in with entity id|(?:^|[\s:])/(?:minecraft:)?(?:msg|tell|w|whisper)\s)`)
	prefixRe  = regexp.MustCompile(`^\[..:..:..\] \[(?:Async Chat Thread - \S+|Server thread)/INFO\]: `)
)

const rconPrefix = "[Rcon] "

var htmlEscaper = strings.NewReplacer("<", "&lt;", ">", "&gt;")

// Classify maps a raw log line to Forward or Suppress.
func Classify(raw string) ParsedLine {
	line := strings.ReplaceAll(strings.TrimSpace(raw), "\r", "")
	if line == "" {
		return suppressed(ReasonEmpty)
	}
	// Chat and join/leave notices only; WARN, ERROR and worker threads stay local.
	if !infoRe.MatchString(line) {
		return suppressed(ReasonNotInfo)
	}

	line = textutil.EscapeNonPrintable(htmlEscaper.Replace(line))

	// Login lines carry the client address and coordinates; whispers are private.
	if privateRe.MatchString(line) {
		return suppressed(ReasonPrivate)
	}

	if loc := prefixRe.FindStringIndex(line); loc != nil {
		line = line[loc[1]:]
		if strings.HasPrefix(line, rconPrefix) {
			line = BotMarker + line[len(rconPrefix):]
		}
	}
	return ParsedLine{Action: Forward, Text: line}
}

func suppressed(r Reason) ParsedLine {
	return ParsedLine{Action: Suppress, Reason: r}
}

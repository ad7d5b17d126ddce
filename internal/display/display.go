// Package display renders tunnel-client activity to a terminal, the
// way the teacher's internal/client.Display does (method/status
// coloring, connect/disconnect banners), adapted from one HTTP
// request/response shape to the three transport modes spec.md §4.I
// drives: unary HTTP, SSE streams, and TCP legs.
package display

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/lance0/tunnelrelay/internal/tunnelclient"
)

const maxBodyDisplay = 500

var (
	methodColors = map[string]*color.Color{
		"GET":     color.New(color.FgGreen),
		"POST":    color.New(color.FgYellow),
		"PUT":     color.New(color.FgBlue),
		"DELETE":  color.New(color.FgRed),
		"PATCH":   color.New(color.FgMagenta),
		"OPTIONS": color.New(color.FgCyan),
		"HEAD":    color.New(color.FgWhite),
	}
	defaultMethodColor = color.New(color.FgWhite)

	statusColors = map[int]*color.Color{
		2: color.New(color.FgGreen),
		3: color.New(color.FgCyan),
		4: color.New(color.FgYellow),
		5: color.New(color.FgRed),
	}
	defaultStatusColor = color.New(color.FgWhite)

	dimColor   = color.New(color.Faint)
	arrowColor = color.New(color.FgCyan)
	idColor    = color.New(color.FgHiBlack)
	bodyColor  = color.New(color.FgHiBlack)
)

// Display logs one tunnel client's activity to stdout.
type Display struct {
	target  string
	verbose bool
}

// New creates a Display for target, the local service requests are
// forwarded to. verbose additionally prints truncated bodies.
func New(target string, verbose bool) *Display {
	return &Display{target: target, verbose: verbose}
}

// LogRequest logs an inbound request frame before it's executed against
// the local target.
func (d *Display) LogRequest(id, method, path string, body string) {
	timestamp := time.Now().Format("15:04:05")

	mc := methodColors[method]
	if mc == nil {
		mc = defaultMethodColor
	}

	fmt.Printf("%s %s %s %s %s\n",
		dimColor.Sprintf("[%s]", timestamp),
		arrowColor.Sprint("→"),
		mc.Sprintf("%-7s", method),
		path,
		idColor.Sprintf("(%s)", shortID(id)),
	)

	if d.verbose && body != "" {
		d.logBody("   req", []byte(body))
	}
}

// LogResponse logs a completed unary response.
func (d *Display) LogResponse(status int, duration time.Duration, body string) {
	timestamp := time.Now().Format("15:04:05")

	sc := statusColors[status/100]
	if sc == nil {
		sc = defaultStatusColor
	}

	fmt.Printf("%s %s %s %s\n",
		dimColor.Sprintf("[%s]", timestamp),
		arrowColor.Sprint("←"),
		sc.Sprintf("%d", status),
		dimColor.Sprintf("(%s)", formatDuration(duration)),
	)

	if d.verbose && body != "" {
		d.logBody("   res", []byte(body))
	}
}

// LogStreamEnd logs a terminated SSE forward.
func (d *Display) LogStreamEnd(totalChunks int64, duration time.Duration, errMsg string) {
	timestamp := time.Now().Format("15:04:05")
	if errMsg != "" {
		fmt.Printf("%s %s %s\n", dimColor.Sprintf("[%s]", timestamp), color.RedString("✗"),
			color.RedString("stream error: %s", errMsg))
		return
	}
	fmt.Printf("%s %s %s\n", dimColor.Sprintf("[%s]", timestamp), arrowColor.Sprint("⇢"),
		dimColor.Sprintf("stream ended (%d chunks, %s)", totalChunks, formatDuration(duration)))
}

// LogTCPConnect logs a new TCP leg being dialed against the local target.
func (d *Display) LogTCPConnect(connID string) {
	timestamp := time.Now().Format("15:04:05")
	fmt.Printf("%s %s tcp connect %s\n", dimColor.Sprintf("[%s]", timestamp), arrowColor.Sprint("→"),
		idColor.Sprintf("(%s)", shortID(connID)))
}

// LogTCPClose logs a TCP leg tearing down.
func (d *Display) LogTCPClose(connID, errMsg string) {
	timestamp := time.Now().Format("15:04:05")
	if errMsg != "" {
		fmt.Printf("%s %s tcp close %s: %s\n", dimColor.Sprintf("[%s]", timestamp), color.RedString("✗"),
			idColor.Sprintf("(%s)", shortID(connID)), errMsg)
		return
	}
	fmt.Printf("%s %s tcp close %s\n", dimColor.Sprintf("[%s]", timestamp), arrowColor.Sprint("⇠"),
		idColor.Sprintf("(%s)", shortID(connID)))
}

// LogError logs a local execution error (target refused, timed out).
func (d *Display) LogError(err error) {
	timestamp := time.Now().Format("15:04:05")
	fmt.Printf("%s %s %s\n", dimColor.Sprintf("[%s]", timestamp), color.RedString("✗"), color.RedString("error: %v", err))
}

// LogConnected announces a successful auth_ok.
func (d *Display) LogConnected(domain string, tunnelID int64) {
	fmt.Println()
	color.Green("✓ Connected!")
	fmt.Println()
	fmt.Printf("  Domain:     %s\n", color.CyanString(domain))
	fmt.Printf("  Tunnel ID:  %s\n", color.CyanString("%d", tunnelID))
	fmt.Printf("  Forwarding: %s\n", color.CyanString(d.target))
	fmt.Println()
	fmt.Println(dimColor.Sprint("  Waiting for requests..."))
	fmt.Println(strings.Repeat("─", 50))
}

// LogDisconnected announces a lost session.
func (d *Display) LogDisconnected(err error) {
	if err != nil {
		color.Yellow("\n⚠ Disconnected: %v", err)
		return
	}
	color.Yellow("\n⚠ Disconnected")
}

// LogReconnecting announces a retry attempt.
func (d *Display) LogReconnecting(attempt int) {
	color.Yellow("↻ Reconnecting (attempt %d)...", attempt)
}

// Observer adapts a Display to tunnelclient.Observer, so cmd/tunnel can
// pass it straight into tunnelclient.New.
type Observer struct {
	*Display
}

// NewObserver builds a tunnelclient.Observer backed by a terminal Display.
func NewObserver(target string, verbose bool) Observer {
	return Observer{Display: New(target, verbose)}
}

func (o Observer) Connected(domain string, tunnelID int64) { o.LogConnected(domain, tunnelID) }
func (o Observer) Disconnected(err error)                  { o.LogDisconnected(err) }
func (o Observer) Reconnecting(attempt int)                { o.LogReconnecting(attempt) }
func (o Observer) Request(id, method, path, body string)   { o.LogRequest(id, method, path, body) }
func (o Observer) Response(id string, status int, d time.Duration, body string) {
	o.LogResponse(status, d, body)
}
func (o Observer) TCPConnect(connID string)          { o.LogTCPConnect(connID) }
func (o Observer) TCPClose(connID, errMsg string)    { o.LogTCPClose(connID, errMsg) }

var _ tunnelclient.Observer = Observer{}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func (d *Display) logBody(prefix string, body []byte) {
	if !isTextBody(body) {
		fmt.Printf("%s %s\n", bodyColor.Sprint(prefix), dimColor.Sprintf("[binary %d bytes]", len(body)))
		return
	}

	s := string(body)
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\t", " ")

	truncated := false
	if len(s) > maxBodyDisplay {
		s = s[:maxBodyDisplay]
		truncated = true
	}

	if truncated {
		fmt.Printf("%s %s%s\n", bodyColor.Sprint(prefix), bodyColor.Sprint(s), dimColor.Sprint("..."))
	} else {
		fmt.Printf("%s %s\n", bodyColor.Sprint(prefix), bodyColor.Sprint(s))
	}
}

func isTextBody(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	if !utf8.Valid(body) {
		return false
	}
	sample := body
	if len(sample) > 512 {
		sample = sample[:512]
	}
	controlChars := 0
	for _, b := range sample {
		if b < 32 && b != '\n' && b != '\r' && b != '\t' {
			controlChars++
		}
	}
	return float64(controlChars)/float64(len(sample)) < 0.1
}

package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// TraceLevel controls how much of each SIP message is logged.
type TraceLevel int32

const (
	TraceOff TraceLevel = iota
	// TraceHeaders logs the start line and headers. Multipart bodies
	// carry participant lists, so they are left out.
	TraceHeaders
	// TraceFull logs the whole message, body included.
	TraceFull
)

// ParseTraceLevel converts a configured level. Unknown values turn tracing off.
func ParseTraceLevel(s string) TraceLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return TraceHeaders
	case "full":
		return TraceFull
	default:
		return TraceOff
	}
}

func (l TraceLevel) String() string {
	switch l {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// credentialHeaders are redacted from traces at every level.
var credentialHeaders = [][]byte{
	[]byte("authorization:"),
	[]byte("proxy-authorization:"),
}

// MessageTracer logs raw SIP traffic through slog. It satisfies sipgo's
// sip.SIPTracer.
type MessageTracer struct {
	logger *slog.Logger
	level  atomic.Int32
}

var _ sip.SIPTracer = (*MessageTracer)(nil)

// NewMessageTracer creates a tracer at the given level.
func NewMessageTracer(logger *slog.Logger, level TraceLevel) *MessageTracer {
	t := &MessageTracer{logger: logger.With("subsystem", "sip-trace")}
	t.level.Store(int32(level))
	return t
}

// SetLevel changes the tracing level at runtime.
func (t *MessageTracer) SetLevel(l TraceLevel) {
	t.level.Store(int32(l))
	t.logger.Info("sip trace level changed", "level", l.String())
}

// Level returns the current tracing level.
func (t *MessageTracer) Level() TraceLevel {
	return TraceLevel(t.level.Load())
}

// SIPTraceRead is called by sipgo for every message read from the network.
func (t *MessageTracer) SIPTraceRead(transport string, laddr string, raddr string, msg []byte) {
	t.trace("recv", transport, laddr, raddr, msg)
}

// SIPTraceWrite is called by sipgo for every message written to the network.
func (t *MessageTracer) SIPTraceWrite(transport string, laddr string, raddr string, msg []byte) {
	t.trace("send", transport, laddr, raddr, msg)
}

func (t *MessageTracer) trace(direction, transport, laddr, raddr string, msg []byte) {
	l := t.Level()
	if l == TraceOff {
		return
	}
	t.logger.Debug("sip "+direction,
		"direction", direction,
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"message", formatTrace(msg, l),
	)
}

// formatTrace cuts the body at TraceHeaders and masks credential values.
func formatTrace(msg []byte, l TraceLevel) string {
	head, body := msg, []byte(nil)
	if idx := bytes.Index(msg, []byte("\r\n\r\n")); idx >= 0 {
		head, body = msg[:idx], msg[idx:]
	}

	lines := bytes.Split(head, []byte("\r\n"))
	for i, line := range lines {
		lower := bytes.ToLower(line)
		for _, h := range credentialHeaders {
			if bytes.HasPrefix(lower, h) {
				lines[i] = append(append([]byte(nil), line[:len(h)]...), " <redacted>"...)
				break
			}
		}
	}

	out := string(bytes.Join(lines, []byte("\r\n")))
	if l == TraceFull {
		out += string(body)
	}
	return out
}

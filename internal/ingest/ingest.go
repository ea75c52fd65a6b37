// Package ingest reads telemetry records from the sensor link and hands
// each non-empty record to a Sink.
//
// Three sources share the same decode rules: the UDP listener (the normal
// path), a pcap capture replay for bench testing, and a serial tether.
package ingest

import (
	"bytes"
	"errors"
	"os"
	"syscall"
	"unicode"
)

// MaxPayloadBytes is the receive buffer size for one datagram.
const MaxPayloadBytes = 512

// ErrBind is returned when a source cannot acquire its endpoint. It is
// fatal: callers should abort startup.
var ErrBind = errors.New("ingest: bind failed")

// Sink receives decoded records. Broadcast must not block on subscriber I/O.
type Sink interface {
	Broadcast(payload []byte)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(payload []byte)

// Broadcast calls f(payload).
func (f SinkFunc) Broadcast(payload []byte) { f(payload) }

// DecodePayload applies the record decode rules: invalid UTF-8 sequences
// are removed, then surrounding whitespace is trimmed. The result never
// aliases raw, so the caller may reuse its buffer. A nil return means the
// record is empty and must be dropped.
func DecodePayload(raw []byte) []byte {
	text := bytes.TrimFunc(bytes.ToValidUTF8(raw, nil), isRecordSpace)
	if len(text) == 0 {
		return nil
	}
	return text
}

// isRecordSpace matches Unicode white space plus the ASCII file, group,
// record and unit separators (U+001C..U+001F), which the sensor tooling
// also treats as padding.
func isRecordSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}

// isTimeout reports whether err is a read deadline expiry. EAGAIN also
// reports Timeout() through net.Error, so the check is on the deadline
// sentinel alone.
func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// isTransient reports whether a receive error is one the loop should
// back off and retry on. Only errors with a known errno qualify; the
// listener still retries unknown errors but logs them as unexpected.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.EWOULDBLOCK),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENOBUFS),
		errors.Is(err, syscall.EINTR):
		return true
	}
	return false
}

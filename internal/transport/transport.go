// Package transport defines the peer sync channel between the primary device
// and a companion device, plus the typed wire schema carried over it.
//
// The channel has three delivery classes:
//   - request/reply: succeeds only while the peer is reachable, fails fast
//   - context broadcast: fire-and-forget, last-value-wins, survives the peer
//     being offline
//   - low-priority info: queued, governed by a small daily budget; exhausting
//     the budget defers delivery but is never a hard failure
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/okkerhart/printwatch/internal/types"
)

// ErrPeerUnreachable is returned by SendRequest when the companion cannot be
// reached right now. Callers fall back to a direct network path.
var ErrPeerUnreachable = errors.New("peer is not reachable")

// Command identifies a user-initiated printer command carried over the peer
// channel.
type Command string

const (
	CommandPause       Command = "pause"
	CommandResume      Command = "resume"
	CommandCancel      Command = "cancel"
	CommandJobInfo     Command = "job_info"
	CommandCameraFrame Command = "camera_frame"
)

// Request is one command sent to the peer for execution against a printer.
type Request struct {
	ID        string  `cbor:"id"`
	Command   Command `cbor:"command"`
	PrinterID string  `cbor:"printer_id"`
	CameraURL string  `cbor:"camera_url,omitempty"`
}

// Validate checks required fields after decode.
func (r *Request) Validate() error {
	if r.ID == "" {
		return errors.New("request missing id")
	}
	if r.Command == "" {
		return errors.New("request missing command")
	}
	if r.PrinterID == "" {
		return errors.New("request missing printer id")
	}
	return nil
}

// Reply is the peer's answer to a Request. A non-empty Error field is an
// in-band command failure, distinct from a transport failure.
type Reply struct {
	RequestID string                      `cbor:"request_id"`
	Error     string                      `cbor:"error,omitempty"`
	Snapshot  *types.PrinterStateSnapshot `cbor:"snapshot,omitempty"`
	Frame     []byte                      `cbor:"frame,omitempty"`
}

// ContextUpdate is the last-value-wins state broadcast that keeps the
// companion's glanceable display current. AttemptImmediate marks updates that
// should try the low-latency delivery path first.
type ContextUpdate struct {
	PrinterName      string    `cbor:"printer_name"`
	State            string    `cbor:"state"`
	Completion       *float64  `cbor:"completion,omitempty"`
	AttemptImmediate bool      `cbor:"attempt_immediate,omitempty"`
	SentAt           time.Time `cbor:"sent_at"`
}

// Validate checks required fields after decode.
func (c *ContextUpdate) Validate() error {
	if c.PrinterName == "" {
		return errors.New("context update missing printer name")
	}
	if c.State == "" {
		return errors.New("context update missing state")
	}
	return nil
}

// ProgressInfo is a low-priority progress sample for background delivery.
type ProgressInfo struct {
	PrinterName string    `cbor:"printer_name"`
	State       string    `cbor:"state"`
	Completion  float64   `cbor:"completion"`
	SentAt      time.Time `cbor:"sent_at"`
}

// Validate checks required fields after decode.
func (p *ProgressInfo) Validate() error {
	if p.PrinterName == "" {
		return errors.New("progress info missing printer name")
	}
	return nil
}

// PrinterList is the authoritative endpoint snapshot the primary device
// broadcasts to companions. Companions apply it with Registry.ReplaceAll.
type PrinterList struct {
	Printers []types.PrinterEndpoint `cbor:"printers"`
	SentAt   time.Time               `cbor:"sent_at"`
}

// PeerTransport is the bidirectional channel between the primary device and a
// companion device.
type PeerTransport interface {
	// SendRequest delivers a command to the peer and waits for its reply.
	// It fails fast with ErrPeerUnreachable when the peer cannot be
	// reached, and never hangs past the context deadline.
	SendRequest(ctx context.Context, req Request) (*Reply, error)

	// BroadcastContext publishes a last-value-wins state update. The peer
	// receives the latest value on its next activation even if it is
	// offline when this is called.
	BroadcastContext(update ContextUpdate) error

	// QueueLowPriorityInfo hands off a progress sample for eventual
	// delivery. Budget exhaustion defers delivery; it is not an error.
	QueueLowPriorityInfo(info ProgressInfo) error

	// BroadcastPrinterList publishes the authoritative printer list.
	BroadcastPrinterList(list PrinterList) error

	// IsReachableNow reports whether the peer is reachable right now.
	IsReachableNow() bool
}

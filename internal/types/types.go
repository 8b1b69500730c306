package types

import (
	"strings"
	"time"
)

// PrinterStatus is the normalized status string reported by a printer backend.
// The set below is treated specially by the notification router; anything else
// passes through as-is.
type PrinterStatus = string

const (
	StatusOperational    PrinterStatus = "Operational"
	StatusPrinting       PrinterStatus = "Printing"
	StatusPrintingFromSD PrinterStatus = "Printing from SD"
	StatusPausing        PrinterStatus = "Pausing"
	StatusPaused         PrinterStatus = "Paused"
	StatusFinishing      PrinterStatus = "Finishing"
	StatusOffline        PrinterStatus = "Offline"

	offlineErrorPrefix = "Offline (Error:"
)

// NormalizeStatus collapses backend status variants into the canonical set
// used for cross-device pushes. "Printing from SD" folds into "Printing" and
// any "Offline (Error: ...)" variant folds into "Offline".
func NormalizeStatus(status string) PrinterStatus {
	if status == StatusPrintingFromSD {
		return StatusPrinting
	}
	if strings.HasPrefix(status, offlineErrorPrefix) {
		return StatusOffline
	}
	return status
}

// ConnectionType identifies how a printer endpoint is reached.
type ConnectionType string

const (
	ConnectionDirect    ConnectionType = "direct"
	ConnectionOctoPrint ConnectionType = "octoprint"
)

// CameraDescriptor describes one camera attached to a printer endpoint.
type CameraDescriptor struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	URL         string `json:"url" yaml:"url"`
	Orientation int    `json:"orientation,omitempty" yaml:"orientation,omitempty"`
}

// BasicAuth holds optional HTTP basic-auth credentials for an endpoint.
type BasicAuth struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// PrinterEndpoint is one configured printer backend. Endpoints are created and
// edited on the primary device only; companion devices hold read-only copies
// received over the peer transport.
type PrinterEndpoint struct {
	ID              string             `json:"id" yaml:"id"`
	Name            string             `json:"name" yaml:"name"`
	URL             string             `json:"url" yaml:"url"`
	APIKey          string             `json:"api_key" yaml:"api_key"`
	Auth            *BasicAuth         `json:"auth,omitempty" yaml:"auth,omitempty"`
	Cameras         []CameraDescriptor `json:"cameras,omitempty" yaml:"cameras,omitempty"`
	IsDefault       bool               `json:"is_default" yaml:"is_default"`
	PluginInstalled bool               `json:"plugin_installed" yaml:"plugin_installed"`
	ConnectionType  ConnectionType     `json:"connection_type,omitempty" yaml:"connection_type,omitempty"`
}

// Equal compares two endpoints by value: identity, name, host, api key,
// default flag, credentials and camera descriptors. Used by the registry to
// decide whether a bulk replacement actually changed anything.
func (p *PrinterEndpoint) Equal(o *PrinterEndpoint) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.ID != o.ID || p.Name != o.Name || p.URL != o.URL || p.APIKey != o.APIKey {
		return false
	}
	if p.IsDefault != o.IsDefault || p.PluginInstalled != o.PluginInstalled || p.ConnectionType != o.ConnectionType {
		return false
	}
	if (p.Auth == nil) != (o.Auth == nil) {
		return false
	}
	if p.Auth != nil && *p.Auth != *o.Auth {
		return false
	}
	if len(p.Cameras) != len(o.Cameras) {
		return false
	}
	for i := range p.Cameras {
		if p.Cameras[i] != o.Cameras[i] {
			return false
		}
	}
	return true
}

// PrinterStateSnapshot is one normalized observation of a printer's state.
// Optional fields are pointers: a missing value means "unknown" and must never
// be read as zero.
type PrinterStateSnapshot struct {
	PrinterID        string   `json:"printer_id"`
	Status           string   `json:"status"`
	Completion       *float64 `json:"completion,omitempty"`
	ElapsedSeconds   *int     `json:"elapsed_seconds,omitempty"`
	RemainingSeconds *int     `json:"remaining_seconds,omitempty"`
	FileName         string   `json:"file_name,omitempty"`
}

// LastKnownState is the per-printer record the router uses for change
// detection: the last pushed status plus relay bookkeeping for the throttled
// progress path.
type LastKnownState struct {
	State           string    `json:"state"`
	Completion      *float64  `json:"completion,omitempty"`
	RelayedProgress *float64  `json:"relayed_progress,omitempty"`
	RelayedAt       time.Time `json:"relayed_at,omitempty"`
}

// StateEvent is the router's input: one state observation for a printer,
// arriving from a live observer callback or from a remote push payload.
type StateEvent struct {
	PrinterName             string
	Status                  string
	Completion              *float64
	SnapshotURL             string
	IsTest                  bool
	ForceComplicationUpdate bool
}

// PushPayload is the external trigger shape sent by a printer backend plugin.
// PrinterID resolves to an endpoint through the registry; an unresolvable id
// means no data is processed.
type PushPayload struct {
	PrinterID               string   `json:"printerID"`
	PrinterState            string   `json:"printerState"`
	ProgressCompletion      *float64 `json:"progressCompletion,omitempty"`
	MediaURL                string   `json:"mediaURL,omitempty"`
	Test                    bool     `json:"test,omitempty"`
	ForceComplicationUpdate bool     `json:"forceComplicationUpdate,omitempty"`
}

// Float64 returns a pointer to v. Convenience for optional snapshot fields.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

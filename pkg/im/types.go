package im

import (
	"encoding/json"
	"time"

	"github.com/emberlink/matter/pkg/protocol"
)

// ProtocolID is the exchange protocol identifier for interaction model
// traffic.
const ProtocolID uint16 = 0x0001

// Interaction message types.
const (
	MsgStatusResponse     uint8 = 0x01
	MsgReadRequest        uint8 = 0x02
	MsgSubscribeRequest   uint8 = 0x03
	MsgSubscribeResponse  uint8 = 0x04
	MsgReportData         uint8 = 0x05
	MsgWriteRequest       uint8 = 0x06
	MsgWriteResponse      uint8 = 0x07
	MsgInvokeRequest      uint8 = 0x08
	MsgInvokeResponse     uint8 = 0x09
	MsgTimedRequest       uint8 = 0x0A
	MsgCancelSubscription uint8 = 0x0B
)

// ReadRequest asks for a snapshot of attributes and buffered events.
type ReadRequest struct {
	AttributePaths []protocol.AttributePath `json:"attributePaths,omitempty"`
	EventPaths     []protocol.EventPath     `json:"eventPaths,omitempty"`
	// MinEventNumber filters out events the requester already holds.
	MinEventNumber protocol.EventNumber `json:"minEventNumber,omitempty"`
	FabricFiltered bool                 `json:"fabricFiltered,omitempty"`
}

// AttributeReport is one attribute value inside a report.
type AttributeReport struct {
	Path    protocol.AttributePath `json:"path"`
	Version protocol.DataVersion   `json:"version"`
	Value   any                    `json:"value"`
}

// EventReport is one event record inside a report.
type EventReport struct {
	Path      protocol.EventPath   `json:"path"`
	Number    protocol.EventNumber `json:"number"`
	Timestamp time.Time            `json:"timestamp"`
	Data      any                  `json:"data,omitempty"`
}

// ReportData is one report chunk. SubscriptionID is zero for plain read
// responses.
type ReportData struct {
	SubscriptionID uint32            `json:"subscriptionId,omitempty"`
	Attributes     []AttributeReport `json:"attributes,omitempty"`
	Events         []EventReport     `json:"events,omitempty"`
	MoreChunks     bool              `json:"moreChunks,omitempty"`
}

// WriteRequest carries attribute writes. TimedRequired demands the
// timed-request preamble before the write is accepted.
type WriteRequest struct {
	Writes        []AttributeWrite `json:"writes"`
	TimedRequired bool             `json:"timedRequired,omitempty"`
}

// AttributeWrite is one attribute assignment.
type AttributeWrite struct {
	Path  protocol.AttributePath `json:"path"`
	Value any                    `json:"value"`
}

// AttributeStatus is the per-path outcome of a write.
type AttributeStatus struct {
	Path   protocol.AttributePath `json:"path"`
	Status Status                 `json:"status"`
}

// WriteResponse carries per-attribute write statuses.
type WriteResponse struct {
	Statuses []AttributeStatus `json:"statuses"`
}

// CommandPath addresses one command.
type CommandPath struct {
	Endpoint protocol.EndpointID `json:"endpoint"`
	Cluster  protocol.ClusterID  `json:"cluster"`
	Command  protocol.CommandID  `json:"command"`
}

// InvokeRequest carries command invocations.
type InvokeRequest struct {
	Invokes       []CommandInvoke `json:"invokes"`
	TimedRequired bool            `json:"timedRequired,omitempty"`
}

// CommandInvoke is one command invocation.
type CommandInvoke struct {
	Path    CommandPath `json:"path"`
	Payload any         `json:"payload,omitempty"`
}

// CommandResult is the per-command outcome of an invoke.
type CommandResult struct {
	Path     CommandPath `json:"path"`
	Status   Status      `json:"status"`
	Response any         `json:"response,omitempty"`
}

// InvokeResponse carries per-command results.
type InvokeResponse struct {
	Results []CommandResult `json:"results"`
}

// SubscribeRequest establishes a reporting stream. Interval bounds are
// what the subscriber is willing to accept; the publisher computes the
// final maxInterval within them.
type SubscribeRequest struct {
	AttributePaths     []protocol.AttributePath `json:"attributePaths,omitempty"`
	EventPaths         []protocol.EventPath     `json:"eventPaths,omitempty"`
	MinIntervalFloor   time.Duration            `json:"minIntervalFloor"`
	MaxIntervalCeiling time.Duration            `json:"maxIntervalCeiling"`
	// MinEventNumber filters out events the subscriber already holds.
	MinEventNumber protocol.EventNumber `json:"minEventNumber,omitempty"`
	FabricFiltered bool                 `json:"fabricFiltered,omitempty"`
}

// SubscribeResponse concludes a successful subscription establishment.
type SubscribeResponse struct {
	SubscriptionID uint32        `json:"subscriptionId"`
	MaxInterval    time.Duration `json:"maxInterval"`
}

// StatusResponse acknowledges a message with a status code.
type StatusResponse struct {
	Status Status `json:"status"`
}

// CancelRequest asks the publisher to end a subscription.
type CancelRequest struct {
	SubscriptionID uint32 `json:"subscriptionId"`
}

func encodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodePayload(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

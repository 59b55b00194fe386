// Package wire implements the length-prefixed frame protocol used
// between the Sentinel and its connected workers, and between the host
// and its guest subprocess. Every frame is a structured object with a
// closed-set op, a reply_id for request/response correlation, and a
// typed JSON payload; ops and payloads are versioned by a
// protocol_version exchanged in the connection handshake.
package wire

import "encoding/json"

// ProtocolVersion is the current wire protocol version this build
// speaks. A connecting peer advertising a different version fails the
// handshake with ErrVersionMismatch rather than attempting best-effort
// interop.
const ProtocolVersion = 1

// Op is the closed set of frame operations.
type Op string

const (
	OpHandshake       Op = "handshake"
	OpSubmitJob       Op = "submit_job"
	OpClaimNext       Op = "claim_next"
	OpProgress        Op = "progress"
	OpComplete        Op = "complete"
	OpFail            Op = "fail"
	OpCancel          Op = "cancel"
	OpStatus          Op = "status"
	OpListEvents      Op = "list_events"
	OpDecideApproval  Op = "decide_approval"
	OpQueryOutputs    Op = "query_outputs"
	OpSchemaFrame     Op = "schema_frame"
	OpRecordBatch     Op = "record_batch"

	// OpError is the response op for any request the peer could not
	// serve; its payload carries the stable error code and message.
	OpError Op = "error"
)

// Frame is the unit exchanged over the wire: a single JSON object
// preceded on the transport by a 4-byte big-endian length prefix.
type Frame struct {
	Op      Op              `json:"op"`
	ReplyID uint64          `json:"reply_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandshakePayload is the payload of the first frame on every
// connection, in both directions.
type HandshakePayload struct {
	ProtocolVersion int    `json:"protocol_version"`
	PeerID          string `json:"peer_id"`
}

// NewFrame marshals payload and wraps it in a Frame.
func NewFrame(op Op, replyID uint64, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Op: op, ReplyID: replyID}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Op: op, ReplyID: replyID, Payload: b}, nil
}

// Decode unmarshals f.Payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

package sentinel

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sl224/casparianflow/internal/coreerr"
	"github.com/sl224/casparianflow/internal/wire"
)

// Client is the synchronous wire-protocol client used by worker daemons
// and the CLI. One request is in flight per client at a time; the
// connection-level mutex serializes callers.
type Client struct {
	conn  net.Conn
	codec *wire.Codec

	mu        sync.Mutex
	nextReply uint64
}

// Dial connects to a Sentinel at addr ("unix:///path" or
// "tcp://host:port") and performs the protocol handshake as peerID.
func Dial(addr, peerID string) (*Client, error) {
	var conn net.Conn
	var err error
	switch {
	case strings.HasPrefix(addr, "unix://"):
		conn, err = net.Dial("unix", strings.TrimPrefix(addr, "unix://"))
	case strings.HasPrefix(addr, "tcp://"):
		conn, err = net.Dial("tcp", strings.TrimPrefix(addr, "tcp://"))
	default:
		return nil, fmt.Errorf("sentinel: unsupported address %q", addr)
	}
	if err != nil {
		return nil, err
	}

	codec := wire.NewCodec(conn)
	if _, err := codec.Handshake(peerID); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn, codec: codec}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// roundTrip sends one request frame and decodes the matching response.
// An OpError response comes back as a typed *coreerr.Error carrying the
// server's stable code.
func (c *Client) roundTrip(op wire.Op, req, resp any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextReply++
	replyID := c.nextReply

	f, err := wire.NewFrame(op, replyID, req)
	if err != nil {
		return err
	}
	if err := c.codec.Write(f); err != nil {
		return coreerr.Wrap(coreerr.CodeTransportError, "write request", err)
	}

	in, err := c.codec.Read()
	if err != nil {
		return coreerr.Wrap(coreerr.CodeTransportError, "read response", err)
	}
	if in.ReplyID != replyID {
		return coreerr.New(coreerr.CodeTransportError, fmt.Sprintf("reply_id mismatch: sent %d got %d", replyID, in.ReplyID))
	}
	if in.Op == wire.OpError {
		var ep ErrorPayload
		if derr := in.Decode(&ep); derr != nil {
			return coreerr.Wrap(coreerr.CodeTransportError, "decode error payload", derr)
		}
		e := coreerr.New(coreerr.Code(ep.Code), ep.Message)
		e.Detail = ep.Try
		return e
	}
	if resp != nil {
		return in.Decode(resp)
	}
	return nil
}

func (c *Client) SubmitJob(req SubmitJobRequest) (*SubmitJobResponse, error) {
	var resp SubmitJobResponse
	if err := c.roundTrip(wire.OpSubmitJob, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DecideApproval(req DecideApprovalRequest) (*DecideApprovalResponse, error) {
	var resp DecideApprovalResponse
	if err := c.roundTrip(wire.OpDecideApproval, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ClaimNext(workerID string) (*ClaimNextResponse, error) {
	var resp ClaimNextResponse
	if err := c.roundTrip(wire.OpClaimNext, ClaimNextRequest{WorkerID: workerID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Progress(req ProgressRequest) (*ProgressResponse, error) {
	var resp ProgressResponse
	if err := c.roundTrip(wire.OpProgress, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Complete(req CompleteRequest) error {
	return c.roundTrip(wire.OpComplete, req, nil)
}

func (c *Client) Fail(req FailRequest) error {
	return c.roundTrip(wire.OpFail, req, nil)
}

func (c *Client) Cancel(jobID int64) error {
	return c.roundTrip(wire.OpCancel, CancelRequest{JobID: jobID}, nil)
}

func (c *Client) Status(req StatusRequest) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.roundTrip(wire.OpStatus, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListEvents(req ListEventsRequest) (*ListEventsResponse, error) {
	var resp ListEventsResponse
	if err := c.roundTrip(wire.OpListEvents, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) QueryOutputs(sql string) (*QueryOutputsResponse, error) {
	var resp QueryOutputsResponse
	if err := c.roundTrip(wire.OpQueryOutputs, QueryOutputsRequest{SQL: sql}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

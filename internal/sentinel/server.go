package sentinel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sl224/casparianflow/internal/coreerr"
	"github.com/sl224/casparianflow/internal/logging"
	"github.com/sl224/casparianflow/internal/wire"
)

// Server accepts worker and client connections on the configured bind
// address and dispatches their frames into the Service. Each connection
// is served by its own goroutine; writes to a connection are serialized
// because a connection handles one request at a time.
type Server struct {
	svc      *Service
	listener net.Listener
	peerID   string

	mu    sync.Mutex
	conns map[net.Conn]string // conn -> peer id
	wg    sync.WaitGroup
}

// NewServer binds addr ("unix:///path/sentinel.sock" or
// "tcp://host:port") and returns a server ready to Serve.
func NewServer(svc *Service, addr string) (*Server, error) {
	listener, err := listen(addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		svc:      svc,
		listener: listener,
		peerID:   "sentinel",
		conns:    make(map[net.Conn]string),
	}, nil
}

func listen(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		os.Remove(path)
		return net.Listen("unix", path)
	case strings.HasPrefix(addr, "tcp://"):
		return net.Listen("tcp", strings.TrimPrefix(addr, "tcp://"))
	default:
		return nil, fmt.Errorf("sentinel: unsupported bind address %q", addr)
	}
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed, then waits for in-flight connections to drain.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops the listener; Serve returns once in-flight connections end.
func (s *Server) Close() error { return s.listener.Close() }

// WorkersConnected counts handshaked peers, feeding the workers_connected
// gauge.
func (s *Server) WorkersConnected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	codec := wire.NewCodec(conn)

	peer, err := codec.Handshake(s.peerID)
	if err != nil {
		logging.Op().Warn("connection handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = peer.PeerID
	n := len(s.conns)
	s.mu.Unlock()
	if s.svc.metrics != nil {
		s.svc.metrics.SetWorkersConnected(n)
	}
	logging.Op().Info("peer connected", "peer_id", peer.PeerID, "connections", n)

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		n := len(s.conns)
		s.mu.Unlock()
		if s.svc.metrics != nil {
			s.svc.metrics.SetWorkersConnected(n)
		}
		logging.Op().Info("peer disconnected", "peer_id", peer.PeerID, "connections", n)
	}()

	for {
		f, err := codec.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logging.Op().Warn("read frame failed", "peer_id", peer.PeerID, "error", err)
			}
			return
		}

		resp := s.dispatch(ctx, f)
		if err := codec.Write(resp); err != nil {
			logging.Op().Warn("write frame failed", "peer_id", peer.PeerID, "error", err)
			return
		}
	}
}

// dispatch routes one request frame to its Service operation and builds
// the response frame, echoing the request's reply_id.
func (s *Server) dispatch(ctx context.Context, f wire.Frame) wire.Frame {
	ctx, done := traceOp(ctx, string(f.Op))

	var payload any
	var err error

	switch f.Op {
	case wire.OpSubmitJob:
		var req SubmitJobRequest
		if err = f.Decode(&req); err == nil {
			payload, err = s.svc.SubmitJob(ctx, req)
		}
	case wire.OpClaimNext:
		var req ClaimNextRequest
		if err = f.Decode(&req); err == nil {
			payload, err = s.svc.ClaimNext(ctx, req)
		}
	case wire.OpProgress:
		var req ProgressRequest
		if err = f.Decode(&req); err == nil {
			payload, err = s.svc.Progress(ctx, req)
		}
	case wire.OpComplete:
		var req CompleteRequest
		if err = f.Decode(&req); err == nil {
			err = s.svc.Complete(ctx, req)
			payload = struct{}{}
		}
	case wire.OpFail:
		var req FailRequest
		if err = f.Decode(&req); err == nil {
			err = s.svc.Fail(ctx, req)
			payload = struct{}{}
		}
	case wire.OpCancel:
		var req CancelRequest
		if err = f.Decode(&req); err == nil {
			err = s.svc.Cancel(ctx, req)
			payload = struct{}{}
		}
	case wire.OpStatus:
		var req StatusRequest
		if err = f.Decode(&req); err == nil {
			payload, err = s.svc.Status(ctx, req)
		}
	case wire.OpListEvents:
		var req ListEventsRequest
		if err = f.Decode(&req); err == nil {
			payload, err = s.svc.ListEvents(ctx, req)
		}
	case wire.OpQueryOutputs:
		var req QueryOutputsRequest
		if err = f.Decode(&req); err == nil {
			payload, err = s.svc.QueryOutputs(ctx, req)
		}
	case wire.OpDecideApproval:
		var req DecideApprovalRequest
		if err = f.Decode(&req); err == nil {
			payload, err = s.svc.DecideApproval(ctx, req)
		}
	default:
		err = coreerr.New(coreerr.CodeInternal, fmt.Sprintf("unknown op %q", f.Op))
	}
	done(err)

	if err != nil {
		return errorFrame(f.ReplyID, err)
	}
	out, ferr := wire.NewFrame(f.Op, f.ReplyID, payload)
	if ferr != nil {
		return errorFrame(f.ReplyID, ferr)
	}
	return out
}

// errorFrame converts err to an OpError response, attaching the stable
// code and its TRY: remediation when the error is typed.
func errorFrame(replyID uint64, err error) wire.Frame {
	p := ErrorPayload{Code: string(coreerr.CodeOf(err)), Message: err.Error()}
	if cerr, ok := coreerr.As(err); ok {
		p.Message = cerr.Message
		p.Try = cerr.Remediation()
	}
	f, _ := wire.NewFrame(wire.OpError, replyID, p)
	return f
}

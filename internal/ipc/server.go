package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"log/slog"

	"github.com/printlapse/printlapse/internal/daemon"
	"github.com/printlapse/printlapse/internal/logging"
)

// Server exposes daemon introspection via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d}
	if err := rpcServer.RegisterName("Printlapse", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "a stale IPC socket may confuse status commands"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}

type service struct {
	daemon *daemon.Daemon
}

func (s *service) Ping(_ PingRequest, resp *PingResponse) error {
	resp.PID = os.Getpid()
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status()
	resp.Running = status.Running
	resp.PID = status.PID
	resp.StartedAt = status.StartedAt
	resp.Capture = CaptureStatus{
		Active:            status.Capture.Active,
		Session:           status.Capture.Session,
		Origin:            status.Capture.Origin,
		Mode:              status.Capture.Mode,
		JobID:             status.Capture.JobID,
		Frames:            status.Capture.Frames,
		CaptureOK:         status.Capture.CaptureOK,
		CaptureFailed:     status.Capture.CaptureFailed,
		PostPrintCaptured: status.Capture.PostPrintCaptured,
		StartedAt:         status.Capture.StartedAt,
	}
	resp.Encoding = EncodingStatus{
		Enabled:     status.Encoding.Enabled,
		Encoding:    status.Encoding.Encoding,
		LastSession: status.Encoding.LastSession,
		LastOutcome: status.Encoding.LastOutcome,
		Completed:   status.Encoding.Completed,
		Failed:      status.Encoding.Failed,
	}
	resp.Uploader = UploaderStatus{
		Enabled:             status.Uploader.Enabled,
		Uploads:             status.Uploader.Uploads,
		ConsecutiveFailures: status.Uploader.ConsecutiveFailures,
		LastUpload:          status.Uploader.LastUpload,
	}
	resp.PrimaryHealthy = status.PrimaryHealthy
	resp.ActiveTier = status.ActiveTier
	resp.PendingEncodes = append(resp.PendingEncodes, status.PendingEncodes...)
	resp.FallbackSessions = append(resp.FallbackSessions, status.FallbackSessions...)
	resp.LockPath = status.LockPath
	resp.LedgerPath = status.LedgerPath
	return nil
}

// ABOUTME: RelayControl gRPC service implementation for worker streams
// ABOUTME: Handles the hello handshake, registrations, heartbeats, and envelope routing

package host

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/relay-gateway/internal/fault"
	pb "github.com/2389/relay-gateway/proto/relay"
)

// relayControlServer implements the RelayControl gRPC service.
type relayControlServer struct {
	host   *Host
	logger *slog.Logger
}

func newRelayControlServer(h *Host, logger *slog.Logger) *relayControlServer {
	return &relayControlServer{
		host:   h,
		logger: logger,
	}
}

// WorkerStream handles the bidirectional stream with one worker.
// Protocol flow:
// 1. Worker sends Hello
// 2. Host responds with Welcome
// 3. Worker sends Register, Deregister, Envelope or Heartbeat frames
// 4. Host sends RegisterAck and Envelope frames
func (s *relayControlServer) WorkerStream(stream pb.RelayControl_WorkerStreamServer) error {
	frame, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return status.Errorf(codes.Internal, "receiving first frame: %v", err)
	}

	hello := frame.GetHello()
	if hello == nil {
		return status.Error(codes.InvalidArgument, "first frame must be Hello")
	}
	if hello.WorkerID == "" {
		return status.Error(codes.InvalidArgument, "worker_id is required")
	}

	conn := NewConnection(hello.WorkerID, s.logger.With("worker_id", hello.WorkerID))
	if err := s.host.attach(conn); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer s.host.detach(conn)

	ctx := stream.Context()
	if err := s.host.sendControl(ctx, conn, &pb.HostFrame{Welcome: &pb.Welcome{HostID: s.host.hostID, WorkerID: hello.WorkerID}}); err != nil {
		return status.Errorf(codes.Internal, "queueing welcome: %v", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- s.writeLoop(stream, conn)
	}()

	frames := make(chan *pb.WorkerFrame)
	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := stream.Recv()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		select {
		case frame := <-frames:
			conn.Touch()
			s.handleFrame(ctx, conn, frame)

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				s.logger.Info("worker disconnected (EOF)", "worker_id", conn.WorkerID)
				return nil
			}
			if status.Code(err) == codes.Canceled {
				s.logger.Info("worker stream cancelled", "worker_id", conn.WorkerID)
				return nil
			}
			s.logger.Error("receiving frame", "error", err, "worker_id", conn.WorkerID)
			return status.Errorf(codes.Internal, "receiving frame: %v", err)

		case err := <-writeErr:
			if err != nil {
				s.logger.Warn("sending frame", "error", err, "worker_id", conn.WorkerID)
				return status.Errorf(codes.Internal, "sending frame: %v", err)
			}
			return nil

		case <-conn.Done():
			return status.Error(codes.Unavailable, "connection closed by host")
		}
	}
}

// writeLoop is the only goroutine writing to stream.
func (s *relayControlServer) writeLoop(stream pb.RelayControl_WorkerStreamServer, conn *Connection) error {
	for {
		select {
		case frame := <-conn.outbox:
			if err := stream.Send(frame); err != nil {
				return err
			}
		case <-conn.Done():
			return nil
		}
	}
}

func (s *relayControlServer) handleFrame(ctx context.Context, conn *Connection, frame *pb.WorkerFrame) {
	switch {
	case frame.GetEnvelope() != nil:
		// Route reports failures to the origin itself.
		_ = s.host.Route(ctx, conn, frame.Envelope)

	case frame.GetRegister() != nil:
		s.handleRegister(ctx, conn, frame.Register)

	case frame.GetDeregister() != nil:
		s.host.Deregister(frame.Deregister.AgentType, conn)

	case frame.GetHeartbeat() != nil:
		s.logger.Debug("received heartbeat",
			"worker_id", conn.WorkerID,
			"timestamp_ms", frame.Heartbeat.TimestampMs,
		)

	case frame.GetHello() != nil:
		s.logger.Warn("received duplicate hello", "worker_id", conn.WorkerID)

	default:
		s.logger.Warn("received empty frame", "worker_id", conn.WorkerID)
	}
}

func (s *relayControlServer) handleRegister(ctx context.Context, conn *Connection, reg *pb.Register) {
	ack := &pb.RegisterAck{AgentType: reg.AgentType}

	replaced, err := s.host.Register(reg.AgentType, conn)
	if err != nil {
		ack.ErrorKind = fault.KindOf(err)
		ack.Error = err.Error()
	} else {
		ack.Replaced = replaced
	}

	if err := s.host.sendControl(ctx, conn, &pb.HostFrame{RegisterAck: ack}); err != nil {
		s.logger.Debug("could not send register ack", "worker_id", conn.WorkerID, "error", err)
	}
}

// Package control serves lifecycle commands on a local Unix socket.
//
// Each connection carries one JSON request line and receives one JSON response line.
package control

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"automation/internal/failure"
	"automation/internal/schema"
	"automation/pkg/exception"
	"automation/pkg/uds"
)

const (
	OpStart    = "start"
	OpShutdown = "shutdown"
	OpStatus   = "status"
	OpLoops    = "loops"
)

const ioTimeout = 10 * time.Second

// Lifecycle is the operation surface exposed on the socket.
type Lifecycle interface {
	Start(ctx context.Context, strategyID string) (schema.OperationState, error)
	Shutdown(ctx context.Context, strategyID string) (schema.OperationState, error)
	Status(ctx context.Context, strategyID string) (schema.OperationState, error)
}

// Loops lists the running strategy loops.
type Loops interface {
	List() []schema.LoopEntry
}

type Request struct {
	Op         string `json:"op"`
	StrategyID string `json:"strategyId,omitempty"`
}

type Operation struct {
	ID          string `json:"id"`
	StrategyID  string `json:"strategyId"`
	Operation   string `json:"operation"`
	Status      string `json:"status"`
	StartedAt   string `json:"startedAt"`
	CompletedAt string `json:"completedAt,omitempty"`
	Error       string `json:"error,omitempty"`
}

type Loop struct {
	StrategyID string `json:"strategyId"`
	Status     string `json:"status"`
	StartedAt  string `json:"startedAt"`
	StoppedAt  string `json:"stoppedAt,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Response struct {
	OK        bool       `json:"ok"`
	Error     string     `json:"error,omitempty"`
	Operation *Operation `json:"operation,omitempty"`
	Loops     []Loop     `json:"loops,omitempty"`
}

// Server answers control requests.
type Server struct {
	lifecycle Lifecycle
	loops     Loops
	socket    *uds.Server
}

func NewServer(path string, lifecycle Lifecycle, loops Loops) (*Server, error) {
	if lifecycle == nil || loops == nil {
		return nil, exception.ErrNilInstance
	}
	socket, err := uds.NewServer(path)
	if err != nil {
		return nil, err
	}
	return &Server{lifecycle: lifecycle, loops: loops, socket: socket}, nil
}

// Run listens on the socket until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if err := s.socket.Listen(); err != nil {
		return failure.Wrap(err, "listen "+s.socket.Path())
	}
	logs.Infof("control listening on %s", s.socket.Path())
	return s.socket.Serve(ctx, s.serveConn)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		logs.Errorf("control read request, err: %+v", err)
		return
	}

	var req Request
	resp := Response{}
	if err := sonic.ConfigStd.Unmarshal(line, &req); err != nil {
		resp.Error = exception.ErrInvalidArgument.Error() + ": request is not a JSON object"
	} else {
		resp = s.Handle(ctx, req)
	}

	body, err := sonic.ConfigStd.Marshal(&resp)
	if err != nil {
		logs.Errorf("control encode response, err: %+v", err)
		return
	}
	if _, err := conn.Write(append(body, '\n')); err != nil {
		logs.Errorf("control write response, err: %+v", err)
	}
}

// Handle executes one request.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	var (
		op  schema.OperationState
		err error
	)
	switch req.Op {
	case OpLoops:
		entries := s.loops.List()
		out := make([]Loop, 0, len(entries))
		for _, e := range entries {
			out = append(out, Loop{
				StrategyID: e.StrategyID,
				Status:     string(e.Status),
				StartedAt:  formatTime(e.StartedAt),
				StoppedAt:  formatTime(e.StoppedAt),
				Error:      e.Error,
			})
		}
		return Response{OK: true, Loops: out}
	case OpStart:
		op, err = s.lifecycle.Start(ctx, req.StrategyID)
	case OpShutdown:
		op, err = s.lifecycle.Shutdown(ctx, req.StrategyID)
	case OpStatus:
		op, err = s.lifecycle.Status(ctx, req.StrategyID)
	default:
		err = failure.Wrap(exception.ErrInvalidArgument, "unknown op "+req.Op)
	}
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Operation: &Operation{
		ID:          op.ID,
		StrategyID:  op.StrategyID,
		Operation:   string(op.Operation),
		Status:      string(op.Status),
		StartedAt:   formatTime(op.StartedAt),
		CompletedAt: formatTime(op.CompletedAt),
		Error:       op.Error,
	}}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Call sends one request to the control socket at path.
func Call(ctx context.Context, path string, req Request) (Response, error) {
	client, err := uds.NewClient(path)
	if err != nil {
		return Response{}, err
	}
	conn, err := client.Dial(ctx)
	if err != nil {
		return Response{}, failure.Wrap(err, "dial "+path)
	}
	defer conn.Close()

	deadline := time.Now().Add(ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	body, err := sonic.ConfigStd.Marshal(&req)
	if err != nil {
		return Response{}, failure.Wrap(err, "encode request")
	}
	if _, err := conn.Write(append(body, '\n')); err != nil {
		return Response{}, failure.Wrap(err, "write request")
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return Response{}, failure.Wrap(err, "read response")
	}
	var resp Response
	if err := sonic.ConfigStd.Unmarshal(line, &resp); err != nil {
		return Response{}, failure.Wrap(err, "decode response")
	}
	return resp, nil
}

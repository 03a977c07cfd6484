package service

import (
	"context"
	"errors"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client talks to an execstream.v1.Execution server.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Result is the reply of Execute.
type Result struct {
	ExecutionID string
	Success     bool
	ExitCode    int
	Output      string
	Message     string
	Elapsed     time.Duration
}

// ExecuteStream runs req and calls fn for each event in order. Returning an
// error from fn cancels the call, which terminates the remote command; that
// error is returned. The execution id is reported through onID when the
// server sends its headers; onID may be nil.
func (c *Client) ExecuteStream(ctx context.Context, req Request, onID func(string), fn func(Event) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], methodExecuteStream)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req.toStruct()); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	if onID != nil {
		md, err := stream.Header()
		if err != nil {
			return err
		}
		if ids := md.Get(ExecutionIDHeader); len(ids) > 0 {
			onID(ids[0])
		}
	}

	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(eventFromStruct(out)); err != nil {
			return err
		}
	}
}

// Execute runs req to completion.
func (c *Client) Execute(ctx context.Context, req Request) (Result, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodExecute, req.toStruct(), out); err != nil {
		return Result{}, err
	}
	f := out.GetFields()
	return Result{
		ExecutionID: f["execution_id"].GetStringValue(),
		Success:     f["success"].GetBoolValue(),
		ExitCode:    int(f["exit_code"].GetNumberValue()),
		Output:      f["output"].GetStringValue(),
		Message:     f["message"].GetStringValue(),
		Elapsed:     time.Duration(f["execution_time_ms"].GetNumberValue()) * time.Millisecond,
	}, nil
}

// Stop asks the server to terminate execution id; false means unknown id.
func (c *Client) Stop(ctx context.Context, id string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, methodStop, wrapperspb.String(id), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// Discover returns the server's capabilities and counters.
func (c *Client) Discover(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodDiscover, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

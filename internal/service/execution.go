package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"hackohio/execstream/pkg/command"
	"hackohio/execstream/pkg/driver"
)

// ExecutionIDHeader carries the execution id in ExecuteStream response
// headers so a client can Stop it from another connection.
const ExecutionIDHeader = "execution-id"

// ExecutionServer is the server API of the execstream.v1.Execution service.
type ExecutionServer interface {
	ExecuteStream(*structpb.Struct, grpc.ServerStream) error
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stop(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	Discover(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Options configures ExecutionService.
type Options struct {
	Profiles driver.Profiles
	// Optional discovery data
	Features []string
	Metadata map[string]string
	Logger   *zap.Logger
}

// ExecutionService adapts ExecDriver to gRPC.
type ExecutionService struct {
	drv      *driver.ExecDriver
	profiles driver.Profiles
	features []string
	metadata map[string]string
	log      *zap.SugaredLogger
}

var _ ExecutionServer = (*ExecutionService)(nil)

func NewExecutionService(drv *driver.ExecDriver, opts Options) *ExecutionService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ExecutionService{
		drv:      drv,
		profiles: opts.Profiles,
		features: opts.Features,
		metadata: opts.Metadata,
		log:      opts.Logger.Sugar().Named("service"),
	}
}

// Register installs svc on s.
func Register(s grpc.ServiceRegistrar, svc ExecutionServer) {
	s.RegisterService(&ServiceDesc, svc)
}

// ExecuteStream sends one "log" event per output line, then one "complete"
// event. Timeouts and spawn failures are reported in the complete event;
// precondition failures are returned as status errors before any event.
// When the client goes away the stream context is cancelled and the child
// is terminated.
func (s *ExecutionService) ExecuteStream(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	req, err := s.execReq(in)
	if err != nil {
		return err
	}

	st, err := s.drv.ExecuteStream(ctx, req)
	if err != nil {
		return toStatus(err)
	}
	defer st.Close()

	if err := stream.SendHeader(metadata.Pairs(ExecutionIDHeader, st.ID())); err != nil {
		return err
	}

	success, exitCode, message := true, 0, "command finished (exit code 0)"
	for line, err := range st.Lines(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				s.log.Warnw("client disconnected", "exec_id", st.ID())
				return status.FromContextError(ctx.Err()).Err()
			}
			return stream.SendMsg(completeEvent(false, -1, err.Error()))
		}
		if code, ok := driver.ParseExitMarker(line); ok {
			exitCode = code
			success = code == 0
			if success {
				message = fmt.Sprintf("command finished (exit code %d)", code)
			} else {
				message = fmt.Sprintf("command failed (exit code %d)", code)
			}
			continue
		}
		if err := stream.SendMsg(logEvent(line)); err != nil {
			return err
		}
	}
	return stream.SendMsg(completeEvent(success, exitCode, message))
}

// Execute runs the command to completion. Timeouts and spawn failures come
// back in-band with success=false.
func (s *ExecutionService) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.execReq(in)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.drv.Execute(ctx, req)
	if err != nil && !errors.Is(err, driver.ErrTimeout) && !errors.Is(err, driver.ErrSpawn) {
		return nil, toStatus(err)
	}

	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"execution_id":      structpb.NewStringValue(resp.ExecutionID),
		"success":           structpb.NewBoolValue(err == nil && resp.Success),
		"exit_code":         structpb.NewNumberValue(float64(resp.ExitCode)),
		"output":            structpb.NewStringValue(stripExitMarker(resp.Output)),
		"execution_time_ms": structpb.NewNumberValue(float64(time.Since(start).Milliseconds())),
	}}
	switch {
	case err != nil:
		out.Fields["message"] = structpb.NewStringValue(err.Error())
	case resp.Success:
		out.Fields["message"] = structpb.NewStringValue("command finished (exit code 0)")
	default:
		out.Fields["message"] = structpb.NewStringValue(fmt.Sprintf("command failed (exit code %d)", resp.ExitCode))
	}
	return out, nil
}

// Stop terminates a running execution; the reply is false for unknown ids.
func (s *ExecutionService) Stop(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	id := strings.TrimSpace(in.GetValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "execution id is required")
	}
	found, err := s.drv.Stop(id)
	if err != nil {
		s.log.Errorw("stop failed", "exec_id", id, "error", err)
	}
	return wrapperspb.Bool(found), nil
}

// Discover returns static capabilities and live counters.
func (s *ExecutionService) Discover(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	m := s.drv.Metrics()
	running := s.drv.Registry().IDs()

	out := map[string]any{
		"features": toAnySlice(s.features),
		"profiles": toAnySlice(s.profiles.Names()),
		"running":  toAnySlice(running),
		"metrics": map[string]any{
			"active":              m.Active,
			"started":             m.Started,
			"succeeded":           m.Succeeded,
			"failed":              m.Failed,
			"timed_out":           m.TimedOut,
			"canceled":            m.Canceled,
			"duration_count":      m.DurationCount,
			"duration_sum_micros": m.DurationSumMicros,
		},
	}
	md := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		md[k] = v
	}
	out["metadata"] = md

	st, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func (s *ExecutionService) execReq(in *structpb.Struct) (driver.ExecReq, error) {
	r, err := requestFromStruct(in)
	if err != nil {
		return driver.ExecReq{}, status.Error(codes.InvalidArgument, err.Error())
	}

	req := driver.ExecReq{
		ExecutionID: r.ExecutionID,
		Dir:         r.Cwd,
		Timeout:     r.Timeout,
	}
	if r.Profile != "" {
		// Templates may embed the id, so it has to be fixed before rendering.
		if req.ExecutionID == "" {
			req.ExecutionID = uuid.NewString()
		}
		spec, err := s.profiles.Render(r.Profile, req.ExecutionID, r.Params)
		if err != nil {
			return driver.ExecReq{}, status.Error(codes.InvalidArgument, err.Error())
		}
		req.Command = spec
	} else {
		req.Command = command.FromLine(r.Command)
	}
	return req, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, driver.ErrDirectoryNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, driver.ErrEmptyCommand):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, driver.ErrBinaryNotAllowed):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, driver.ErrDuplicateExecution):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, driver.ErrDriverClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		// Tokenizer errors are the only other precondition failure.
		return status.Error(codes.InvalidArgument, err.Error())
	}
}

// stripExitMarker drops the trailing marker line from joined output.
func stripExitMarker(out string) string {
	i := strings.LastIndexByte(out, '\n')
	if _, ok := driver.ParseExitMarker(out[i+1:]); !ok {
		return out
	}
	if i < 0 {
		return ""
	}
	return out[:i]
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

package service_test

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"hackohio/execstream/internal/service"
	"hackohio/execstream/pkg/driver"
)

type harness struct {
	drv    *driver.ExecDriver
	client *service.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("service tests need a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH; skipping")
	}

	drv := driver.NewExecDriver(driver.Config{
		TerminationGrace: time.Second,
		PollInterval:     20 * time.Millisecond,
		Logger:           zap.NewNop(),
	})
	svc := service.NewExecutionService(drv, service.Options{
		Profiles: driver.Profiles{
			"slow":  {"sh", "-c", "echo ready; sleep 30"},
			"greet": {"sh", "-c", "echo hello $0", "{param:who}"},
		},
		Features: []string{"stream", "stop"},
		Metadata: map[string]string{"impl": "exec"},
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	service.Register(srv, svc)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		drv.Shutdown()
	})
	return &harness{drv: drv, client: service.NewClient(conn)}
}

func collect(t *testing.T, h *harness, req service.Request) ([]service.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var events []service.Event
	err := h.client.ExecuteStream(ctx, req, nil, func(ev service.Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func TestExecuteStreamSendsLogsThenComplete(t *testing.T) {
	h := newHarness(t)

	events, err := collect(t, h, service.Request{Command: `printf 'A\nB\n'`, Cwd: t.TempDir()})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, service.Event{Type: service.EventLog, Line: "A"}, events[0])
	assert.Equal(t, service.Event{Type: service.EventLog, Line: "B"}, events[1])
	assert.Equal(t, service.EventComplete, events[2].Type)
	assert.True(t, events[2].Success)
	assert.Equal(t, 0, events[2].ExitCode)
}

func TestExecuteStreamNonzeroExit(t *testing.T) {
	h := newHarness(t)

	events, err := collect(t, h, service.Request{Command: `false`})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Equal(t, 1, events[0].ExitCode)
	assert.Contains(t, events[0].Message, "exit code 1")
}

func TestExecuteStreamTimeoutIsReportedInBand(t *testing.T) {
	h := newHarness(t)

	events, err := collect(t, h, service.Request{Command: "sleep 30", Timeout: 300 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, service.EventComplete, events[0].Type)
	assert.False(t, events[0].Success)
	assert.Contains(t, events[0].Message, "timed out")
	assert.Equal(t, 0, h.drv.Registry().Len())
}

func TestExecuteStreamPreconditions(t *testing.T) {
	h := newHarness(t)

	_, err := collect(t, h, service.Request{Command: "echo hi", Cwd: "/definitely/not/here"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = collect(t, h, service.Request{Command: "echo a | wc"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = collect(t, h, service.Request{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = collect(t, h, service.Request{Command: "echo", Profile: "slow"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = collect(t, h, service.Request{Profile: "nope"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestExecuteStreamProfile(t *testing.T) {
	h := newHarness(t)

	events, err := collect(t, h, service.Request{Profile: "greet", Params: map[string]string{"who": "world"}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "hello world", events[0].Line)
	assert.True(t, events[1].Success)
}

func TestClientDisconnectTerminatesCommand(t *testing.T) {
	h := newHarness(t)
	errEnough := errors.New("enough")

	var id string
	err := h.client.ExecuteStream(context.Background(),
		service.Request{Profile: "slow", ExecutionID: "walk-away"},
		func(got string) { id = got },
		func(ev service.Event) error {
			if ev.Line == "ready" {
				return errEnough
			}
			return nil
		})
	require.ErrorIs(t, err, errEnough)
	assert.Equal(t, "walk-away", id)

	require.Eventually(t, func() bool {
		_, ok := h.drv.Registry().Lookup("walk-away")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.drv.Metrics().Canceled == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStopRunningAndUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	found, err := h.client.Stop(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = h.client.Stop(ctx, " ")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	started := make(chan struct{})
	done := make(chan []service.Event, 1)
	go func() {
		var events []service.Event
		_ = h.client.ExecuteStream(ctx, service.Request{Profile: "slow", ExecutionID: "victim"}, nil,
			func(ev service.Event) error {
				if ev.Line == "ready" {
					close(started)
				}
				events = append(events, ev)
				return nil
			})
		done <- events
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("command never started")
	}

	found, err = h.client.Stop(ctx, "victim")
	require.NoError(t, err)
	assert.True(t, found)

	select {
	case events := <-done:
		last := events[len(events)-1]
		assert.Equal(t, service.EventComplete, last.Type)
		assert.False(t, last.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish after stop")
	}
}

func TestExecuteUnary(t *testing.T) {
	h := newHarness(t)

	res, err := h.client.Execute(context.Background(), service.Request{
		ExecutionID: "unary",
		Command:     `printf 'one\ntwo\n'`,
	})
	require.NoError(t, err)
	assert.Equal(t, "unary", res.ExecutionID)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "one\ntwo", res.Output)

	res, err = h.client.Execute(context.Background(), service.Request{Command: "no-such-binary-f00d"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Message, "spawn")
}

func TestDiscover(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Execute(context.Background(), service.Request{Command: "true"})
	require.NoError(t, err)

	info, err := h.client.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"stream", "stop"}, info["features"])
	assert.Equal(t, []any{"greet", "slow"}, info["profiles"])
	assert.Equal(t, map[string]any{"impl": "exec"}, info["metadata"])
	metrics := info["metrics"].(map[string]any)
	assert.EqualValues(t, 1, metrics["succeeded"])
}

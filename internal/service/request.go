package service

import (
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Characters refused in a raw command line. Commands are never run through a
// shell on Unix, but the line is still rejected so callers do not assume
// pipelines or substitutions work.
const forbiddenChars = "|&;$`()<>"

// Largest timeout_seconds that still fits a time.Duration.
const maxTimeoutSeconds = float64(math.MaxInt64) / float64(time.Second)

// Request is one execution request as carried on the wire.
type Request struct {
	ExecutionID string
	// Command is a raw command line; exactly one of Command and Profile is set.
	Command string
	Profile string
	Params  map[string]string
	Cwd     string
	Timeout time.Duration
}

// ValidateCommand rejects empty lines and shell metacharacters.
func ValidateCommand(line string) error {
	if strings.TrimSpace(line) == "" {
		return fmt.Errorf("command is required")
	}
	if i := strings.IndexAny(line, forbiddenChars); i >= 0 {
		return fmt.Errorf("command contains forbidden character %q", line[i])
	}
	return nil
}

func (r Request) toStruct() *structpb.Struct {
	fields := map[string]*structpb.Value{}
	putString := func(k, v string) {
		if v != "" {
			fields[k] = structpb.NewStringValue(v)
		}
	}
	putString("execution_id", r.ExecutionID)
	putString("command", r.Command)
	putString("profile", r.Profile)
	putString("cwd", r.Cwd)
	if r.Timeout > 0 {
		fields["timeout_seconds"] = structpb.NewNumberValue(r.Timeout.Seconds())
	}
	if len(r.Params) > 0 {
		params := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(r.Params))}
		for k, v := range r.Params {
			params.Fields[k] = structpb.NewStringValue(v)
		}
		fields["params"] = structpb.NewStructValue(params)
	}
	return &structpb.Struct{Fields: fields}
}

func requestFromStruct(in *structpb.Struct) (Request, error) {
	var r Request
	for k, v := range in.GetFields() {
		switch k {
		case "execution_id", "command", "profile", "cwd":
			s, ok := v.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return Request{}, fmt.Errorf("field %s: want string", k)
			}
			switch k {
			case "execution_id":
				r.ExecutionID = s.StringValue
			case "command":
				r.Command = s.StringValue
			case "profile":
				r.Profile = s.StringValue
			case "cwd":
				r.Cwd = s.StringValue
			}
		case "timeout_seconds":
			n, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok || n.NumberValue < 0 || math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
				return Request{}, fmt.Errorf("field %s: want non-negative number", k)
			}
			if n.NumberValue >= maxTimeoutSeconds {
				return Request{}, fmt.Errorf("field %s: %g is out of range", k, n.NumberValue)
			}
			r.Timeout = time.Duration(n.NumberValue * float64(time.Second))
		case "params":
			st := v.GetStructValue()
			if st == nil {
				return Request{}, fmt.Errorf("field %s: want object", k)
			}
			r.Params = make(map[string]string, len(st.GetFields()))
			for pk, pv := range st.GetFields() {
				s, ok := pv.GetKind().(*structpb.Value_StringValue)
				if !ok {
					return Request{}, fmt.Errorf("params.%s: want string", pk)
				}
				r.Params[pk] = s.StringValue
			}
		default:
			return Request{}, fmt.Errorf("unknown field %q", k)
		}
	}
	if (r.Command == "") == (r.Profile == "") {
		return Request{}, fmt.Errorf("exactly one of command and profile is required")
	}
	if r.Command != "" {
		if err := ValidateCommand(r.Command); err != nil {
			return Request{}, err
		}
	}
	return r, nil
}

// Event is one message of an ExecuteStream response: a "log" line, or the
// final "complete" record.
type Event struct {
	Type     string
	Line     string
	Success  bool
	ExitCode int
	Message  string
}

const (
	EventLog      = "log"
	EventComplete = "complete"
)

func logEvent(line string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(EventLog),
		"line": structpb.NewStringValue(line),
	}}
}

func completeEvent(success bool, exitCode int, message string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":      structpb.NewStringValue(EventComplete),
		"success":   structpb.NewBoolValue(success),
		"exit_code": structpb.NewNumberValue(float64(exitCode)),
		"message":   structpb.NewStringValue(message),
	}}
}

func eventFromStruct(in *structpb.Struct) Event {
	f := in.GetFields()
	return Event{
		Type:     f["type"].GetStringValue(),
		Line:     f["line"].GetStringValue(),
		Success:  f["success"].GetBoolValue(),
		ExitCode: int(f["exit_code"].GetNumberValue()),
		Message:  f["message"].GetStringValue(),
	}
}

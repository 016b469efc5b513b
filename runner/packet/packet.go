package packet

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the discriminator carried in the "type" field of every control packet.
type Type string

// Client -> runner packet types.
const (
	TypeProcessOpen          Type = "ProcessOpen"
	TypeProcessControlSignal Type = "ProcessControlSignal"
	TypeProcessClose         Type = "ProcessClose"
	TypeUploadStart          Type = "UploadStart"
	TypeUploadFinish         Type = "UploadFinish"
)

// Runner -> client packet types.
const (
	TypeProcessOpenResult  Type = "ProcessOpenResult"
	TypeProcessCloseResult Type = "ProcessCloseResult"
	TypeProcessEvent       Type = "ProcessEvent"
	TypeProcessOutput      Type = "ProcessOutput"
	TypeServerError        Type = "ServerError"
)

// ErrMalformed is returned when a text frame is not a packet envelope.
var ErrMalformed = errors.New("malformed packet")

// Packet is a decoded envelope. Data is left raw so that handlers can decode the payload
// they expect for the type.
type Packet struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode builds the JSON text frame for a packet of type t carrying data.
func Encode(t Type, data any) ([]byte, error) {
	if data == nil {
		data = struct{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return json.Marshal(Packet{Type: t, Data: raw})
}

// Decode parses a JSON text frame into a Packet.
func Decode(b []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &p, nil
}

// Unmarshal decodes the packet payload into v.
func (p *Packet) Unmarshal(v any) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformed, p.Type)
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("%w: decoding %s data: %s", ErrMalformed, p.Type, err)
	}
	return nil
}

// ProcessOpen asks the runner for a new container.
type ProcessOpen struct{}

type ProcessOpenResult struct {
	ContainerID string `json:"container_id"`
}

type ProcessControlSignal struct {
	ContainerID   string        `json:"container_id"`
	ControlSignal ControlSignal `json:"control_signal"`
}

type ProcessClose struct {
	ContainerID string `json:"container_id"`
}

type ProcessCloseResult struct {
	Success bool `json:"success"`
}

// UploadStart announces a file upload. It is followed by exactly one binary frame of Size
// bytes and then an UploadFinish packet.
type UploadStart struct {
	ContainerID string `json:"container_id"`
	Path        string `json:"path"`
	Size        int    `json:"size"`
}

type UploadFinish struct {
	ContainerID string `json:"container_id"`
}

type ServerError struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// SignalKind names a control signal.
type SignalKind string

const (
	SignalStart     SignalKind = "Start"
	SignalInterrupt SignalKind = "Interrupt"
	SignalTerminate SignalKind = "Terminate"
	SignalExec      SignalKind = "Exec"
)

// ControlSignal is encoded as a bare string, except Exec which is {"Exec": path}.
type ControlSignal struct {
	Kind SignalKind
	Path string
}

func Exec(path string) ControlSignal { return ControlSignal{Kind: SignalExec, Path: path} }

func (c ControlSignal) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case SignalStart, SignalInterrupt, SignalTerminate:
		return json.Marshal(string(c.Kind))
	case SignalExec:
		return json.Marshal(map[string]string{string(SignalExec): c.Path})
	default:
		return nil, fmt.Errorf("unknown control signal %q", c.Kind)
	}
}

func (c *ControlSignal) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		switch SignalKind(name) {
		case SignalStart, SignalInterrupt, SignalTerminate:
			*c = ControlSignal{Kind: SignalKind(name)}
			return nil
		}
		return fmt.Errorf("unknown control signal %q", name)
	}
	var exec struct {
		Exec *string `json:"Exec"`
	}
	if err := json.Unmarshal(b, &exec); err != nil || exec.Exec == nil {
		return fmt.Errorf("unknown control signal %s", b)
	}
	*c = Exec(*exec.Exec)
	return nil
}

// EventKind names a process lifecycle event.
type EventKind string

const (
	EventStarted  EventKind = "Started"
	EventTimedOut EventKind = "TimedOut"
	EventFinished EventKind = "Finished"
)

// Event is the payload of a ProcessEvent packet. ExitCode is only meaningful for Finished.
type Event struct {
	Kind     EventKind
	ExitCode int64
}

type finished struct {
	ExitCode int64 `json:"exit_code"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case EventStarted, EventTimedOut:
		return json.Marshal(string(e.Kind))
	case EventFinished:
		return json.Marshal(map[string]finished{string(EventFinished): {ExitCode: e.ExitCode}})
	default:
		return nil, fmt.Errorf("unknown process event %q", e.Kind)
	}
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		switch EventKind(name) {
		case EventStarted, EventTimedOut:
			*e = Event{Kind: EventKind(name)}
			return nil
		}
		return fmt.Errorf("unknown process event %q", name)
	}
	var f struct {
		Finished *finished `json:"Finished"`
	}
	if err := json.Unmarshal(b, &f); err != nil || f.Finished == nil {
		return fmt.Errorf("unknown process event %s", b)
	}
	*e = Event{Kind: EventFinished, ExitCode: f.Finished.ExitCode}
	return nil
}

// Stream identifies which output stream a ProcessOutput chunk came from.
type Stream string

const (
	StdOut Stream = "StdOut"
	StdErr Stream = "StdErr"
)

// Output is the payload of a ProcessOutput packet, encoded as {"StdOut": text} or {"StdErr": text}.
type Output struct {
	Stream Stream
	Text   string
}

func (o Output) MarshalJSON() ([]byte, error) {
	if o.Stream != StdOut && o.Stream != StdErr {
		return nil, fmt.Errorf("unknown output stream %q", o.Stream)
	}
	return json.Marshal(map[string]string{string(o.Stream): o.Text})
}

func (o *Output) UnmarshalJSON(b []byte) error {
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("unknown process output %s", b)
	}
	if len(m) != 1 {
		return fmt.Errorf("process output must have exactly one stream, got %d", len(m))
	}
	for k, v := range m {
		switch Stream(k) {
		case StdOut, StdErr:
			*o = Output{Stream: Stream(k), Text: v}
			return nil
		}
		return fmt.Errorf("unknown output stream %q", k)
	}
	return nil
}

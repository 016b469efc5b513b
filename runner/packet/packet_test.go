package packet

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeControlSignal(t *testing.T) {
	cases := []struct {
		name   string
		signal ControlSignal
		want   string
	}{
		{name: "start", signal: ControlSignal{Kind: SignalStart}, want: `{"type":"ProcessControlSignal","data":{"container_id":"c1","control_signal":"Start"}}`},
		{name: "interrupt", signal: ControlSignal{Kind: SignalInterrupt}, want: `{"type":"ProcessControlSignal","data":{"container_id":"c1","control_signal":"Interrupt"}}`},
		{name: "terminate", signal: ControlSignal{Kind: SignalTerminate}, want: `{"type":"ProcessControlSignal","data":{"container_id":"c1","control_signal":"Terminate"}}`},
		{name: "exec", signal: Exec("main.py"), want: `{"type":"ProcessControlSignal","data":{"container_id":"c1","control_signal":{"Exec":"main.py"}}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode(TypeProcessControlSignal, ProcessControlSignal{ContainerID: "c1", ControlSignal: c.signal})
			require.NoError(t, err)
			assert.JSONEq(t, c.want, string(b))

			p, err := Decode(b)
			require.NoError(t, err)
			var got ProcessControlSignal
			require.NoError(t, p.Unmarshal(&got))
			assert.Equal(t, c.signal, got.ControlSignal)
		})
	}
}

func TestEncodeUnknownSignal(t *testing.T) {
	_, err := Encode(TypeProcessControlSignal, ProcessControlSignal{ControlSignal: ControlSignal{Kind: "Pause"}})
	assert.Error(t, err)
}

func TestEncodeProcessOpenHasEmptyObject(t *testing.T) {
	b, err := Encode(TypeProcessOpen, ProcessOpen{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ProcessOpen","data":{}}`, string(b))

	b, err = Encode(TypeProcessOpen, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ProcessOpen","data":{}}`, string(b))
}

func TestDecodeEvent(t *testing.T) {
	cases := []struct {
		frame string
		want  Event
	}{
		{frame: `{"type":"ProcessEvent","data":"Started"}`, want: Event{Kind: EventStarted}},
		{frame: `{"type":"ProcessEvent","data":"TimedOut"}`, want: Event{Kind: EventTimedOut}},
		{frame: `{"type":"ProcessEvent","data":{"Finished":{"exit_code":3}}}`, want: Event{Kind: EventFinished, ExitCode: 3}},
	}
	for _, c := range cases {
		p, err := Decode([]byte(c.frame))
		require.NoError(t, err)
		assert.Equal(t, TypeProcessEvent, p.Type)

		var ev Event
		require.NoError(t, p.Unmarshal(&ev))
		assert.Equal(t, c.want, ev)

		b, err := json.Marshal(ev)
		require.NoError(t, err)
		assert.JSONEq(t, string(p.Data), string(b))
	}
}

func TestDecodeEventRejectsUnknownShapes(t *testing.T) {
	for _, frame := range []string{
		`{"type":"ProcessEvent","data":"Paused"}`,
		`{"type":"ProcessEvent","data":{"Exited":{}}}`,
		`{"type":"ProcessEvent","data":null}`,
		`{"type":"ProcessEvent"}`,
	} {
		p, err := Decode([]byte(frame))
		require.NoError(t, err)
		var ev Event
		err = p.Unmarshal(&ev)
		assert.ErrorIs(t, err, ErrMalformed, frame)
	}
}

func TestDecodeOutput(t *testing.T) {
	p, err := Decode([]byte(`{"type":"ProcessOutput","data":{"StdErr":"boom\n"}}`))
	require.NoError(t, err)
	var out Output
	require.NoError(t, p.Unmarshal(&out))
	assert.Equal(t, Output{Stream: StdErr, Text: "boom\n"}, out)

	p, err = Decode([]byte(`{"type":"ProcessOutput","data":{"StdIn":"x"}}`))
	require.NoError(t, err)
	assert.Error(t, p.Unmarshal(&out))

	p, err = Decode([]byte(`{"type":"ProcessOutput","data":{"StdOut":"a","StdErr":"b"}}`))
	require.NoError(t, err)
	assert.Error(t, p.Unmarshal(&out))
}

func TestDecodeMalformed(t *testing.T) {
	for _, frame := range []string{`not json`, `"ProcessEvent"`, `{"data":{}}`, `null`} {
		_, err := Decode([]byte(frame))
		assert.True(t, errors.Is(err, ErrMalformed), frame)
	}
}

func TestUploadStartShape(t *testing.T) {
	b, err := Encode(TypeUploadStart, UploadStart{ContainerID: "abc", Path: "main.py", Size: 8})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"UploadStart","data":{"container_id":"abc","path":"main.py","size":8}}`, string(b))
}

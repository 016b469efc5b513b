package runner

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Sink receives human-readable progress lines from a Session.
// Lines about synchronous work come from the caller's goroutine, and lines about inbound
// packets come from the session's read loop, so implementations must be safe for concurrent use.
// A sink may call Disconnect or Close on the session that reports to it.
type Sink interface {
	Log(msg string, isErr bool)
}

// ErrorSink is implemented by sinks that want the classified error behind an error line.
// Failures are delivered to LogError instead of Log(msg, true). Stderr output of the running
// file is not a failure and still arrives through Log.
type ErrorSink interface {
	Sink
	LogError(err error)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(msg string, isErr bool)

func (f SinkFunc) Log(msg string, isErr bool) { f(msg, isErr) }

// ZapSink writes lines to a zap logger, errors at error level and everything else at info.
func ZapSink(log *zap.SugaredLogger) Sink {
	return SinkFunc(func(msg string, isErr bool) {
		if isErr {
			log.Error(msg)
			return
		}
		log.Info(msg)
	})
}

// WriterSink writes lines to out, and error lines to errOut.
func WriterSink(out, errOut io.Writer) Sink {
	var m sync.Mutex
	return SinkFunc(func(msg string, isErr bool) {
		m.Lock()
		defer m.Unlock()
		w := out
		if isErr {
			w = errOut
		}
		fmt.Fprintln(w, msg)
	})
}

type multiSink []Sink

// MultiSink fans every line out to all sinks, in order.
func MultiSink(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) Log(msg string, isErr bool) {
	for _, s := range m {
		s.Log(msg, isErr)
	}
}

func (m multiSink) LogError(err error) {
	for _, s := range m {
		logError(s, err)
	}
}

func logError(s Sink, err error) {
	if es, ok := s.(ErrorSink); ok {
		es.LogError(err)
		return
	}
	s.Log(err.Error(), true)
}

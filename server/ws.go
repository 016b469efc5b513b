package server

import (
	"context"
	"unicode/utf8"

	"github.com/guseggert/coderunner/runner/packet"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// clientReadLimit is the largest text frame clients are expected to accept.
const clientReadLimit = 32768

// outputWriter sends everything written to it as ProcessOutput packets for one stream.
type outputWriter struct {
	log    *zap.SugaredLogger
	ctx    context.Context
	conn   *websocket.Conn
	stream packet.Stream
}

func (w *outputWriter) Write(b []byte) (int, error) {
	w.log.Debugf("writing %d bytes", len(b))
	// break the output into chunks so that each encoded packet fits in a client frame
	// worst case JSON escaping is 6 bytes per input byte
	writeLimit := (clientReadLimit - 256) / 6
	leftToWrite := b
	for len(leftToWrite) > 0 {
		n := len(leftToWrite)
		if n > writeLimit {
			n = writeLimit
			// don't split a UTF-8 sequence across packets
			for n > writeLimit-utf8.UTFMax && !utf8.RuneStart(leftToWrite[n]) {
				n--
			}
		}
		err := writePacket(w.ctx, w.conn, packet.TypeProcessOutput, packet.Output{
			Stream: w.stream,
			Text:   string(leftToWrite[:n]),
		})
		if err != nil {
			return len(b) - len(leftToWrite), err
		}
		leftToWrite = leftToWrite[n:]
	}
	w.log.Debugf("done writing %d bytes", len(b))
	return len(b), nil
}

func writePacket(ctx context.Context, conn *websocket.Conn, t packet.Type, data any) error {
	b, err := packet.Encode(t, data)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

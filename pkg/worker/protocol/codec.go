package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxLineSize bounds one protocol line. Error details carry at most a model
// message, so lines stay far below it.
const MaxLineSize = 1 << 20

// Encoder writes one JSON message per line, stamped with the worker rank.
// Concurrent simulations of one rank share an Encoder; lines never interleave.
type Encoder struct {
	mu   sync.Mutex
	w    io.Writer
	buf  bytes.Buffer
	rank int
	now  func() time.Time
}

// NewEncoder returns an encoder writing to w on behalf of rank.
func NewEncoder(w io.Writer, rank int) *Encoder {
	return &Encoder{w: w, rank: rank, now: time.Now}
}

// Encode writes a message of type t carrying data, which may be nil.
func (e *Encoder) Encode(t MessageType, data interface{}) error {
	if err := t.Validate(); err != nil {
		return err
	}
	msg := Message{Type: t, Rank: e.rank}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", t, err)
		}
		msg.Data = raw
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	msg.Timestamp = e.now().UTC()
	e.buf.Reset()
	// json.Encoder terminates the document with the newline of the line.
	if err := json.NewEncoder(&e.buf).Encode(&msg); err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	return nil
}

func (e *Encoder) EncodeReady(ready *ReadyMessage) error { return e.Encode(MessageTypeReady, ready) }
func (e *Encoder) EncodeDone(done *DoneMessage) error    { return e.Encode(MessageTypeDone, done) }
func (e *Encoder) EncodeError(err *ErrorMessage) error   { return e.Encode(MessageTypeError, err) }
func (e *Encoder) EncodeExit(exit *ExitMessage) error    { return e.Encode(MessageTypeExit, exit) }

// EncodeEvent validates event, defaulting its level, and writes it.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return e.Encode(MessageTypeEvent, event)
}

// Decoder reads messages line by line. Decode fails on a line that is not a
// message; the next call moves on to the following line.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Decoder{sc: sc}
}

// Decode returns the next message, or io.EOF at the end of the stream.
func (d *Decoder) Decode() (*Message, error) {
	if !d.sc.Scan() {
		if err := d.sc.Err(); err != nil {
			return nil, fmt.Errorf("read protocol line: %w", err)
		}
		return nil, io.EOF
	}
	return ParseLine(d.sc.Bytes())
}

var errNotMessage = errors.New("not a protocol message")

// ParseLine decodes one line of worker output. Launchers interleave their own
// output with worker lines and may tag them (mpirun --tag-output writes
// "[1,0]<stdout>:" first), so anything before the first '{' is ignored.
// Callers treat an error as a plain log line.
func ParseLine(line []byte) (*Message, error) {
	start := bytes.IndexByte(line, '{')
	if start < 0 {
		return nil, errNotMessage
	}

	var msg Message
	if err := json.Unmarshal(bytes.TrimSpace(line[start:]), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", errNotMessage, err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errNotMessage, err)
	}
	return &msg, nil
}

package protocol

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data:    &ReadyMessage{Version: "1.0.0", Experiment: "exp", PID: 1234, Size: 2, Runs: 3},
		},
		{
			name:    "encode event message",
			msgType: MessageTypeEvent,
			data:    &EventMessage{RunIndex: 4, Level: "info", Message: "run done"},
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data:    &DoneMessage{Runs: 3, Files: 6, Duration: 1.5},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data:    &ErrorMessage{RunIndex: 2, Code: ErrCodeSimulation, Message: "boom"},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "completed"},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf, 1).Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			out := buf.String()
			if !strings.HasSuffix(out, "\n") {
				t.Error("message must end with a newline")
			}
			msg, err := ParseLine([]byte(strings.TrimSpace(out)))
			if err != nil {
				t.Fatalf("ParseLine() error = %v", err)
			}
			if msg.Type != tt.msgType || msg.Rank != 1 {
				t.Errorf("got type %s rank %d", msg.Type, msg.Rank)
			}
		})
	}
}

func TestEncodeEventValidation(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)

	if err := enc.EncodeEvent(&EventMessage{RunIndex: -1, Message: "x"}); err == nil {
		t.Error("expected error for negative run index")
	}
	if err := enc.EncodeEvent(&EventMessage{RunIndex: 0, Level: "loud"}); err == nil {
		t.Error("expected error for invalid level")
	}

	evt := &EventMessage{RunIndex: 0, Message: "x"}
	if err := enc.EncodeEvent(evt); err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	if evt.Level != "info" {
		t.Errorf("default level = %q, want info", evt.Level)
	}
}

func TestDecoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 3)
	if err := enc.EncodeReady(&ReadyMessage{Experiment: "exp", Runs: 2}); err != nil {
		t.Fatal(err)
	}
	if err := enc.EncodeError(&ErrorMessage{RunIndex: 5, Code: ErrCodeWriteResult, Message: "disk full"}); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(&buf)

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	var ready ReadyMessage
	if err := msg.ParseData(&ready); err != nil {
		t.Fatal(err)
	}
	if ready.Experiment != "exp" || ready.Runs != 2 || msg.Rank != 3 {
		t.Errorf("unexpected ready %+v rank %d", ready, msg.Rank)
	}

	msg, err = dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	var e ErrorMessage
	if err := msg.ParseData(&e); err != nil {
		t.Fatal(err)
	}
	if e.RunIndex != 5 || e.Code != ErrCodeWriteResult {
		t.Errorf("unexpected error message %+v", e)
	}

	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("Decode() at end = %v, want io.EOF", err)
	}
}

func TestParseLineRejectsNoise(t *testing.T) {
	for _, line := range []string{"", "mpirun: starting 4 processes", `{"type":"CMD"}`} {
		if _, err := ParseLine([]byte(line)); err == nil {
			t.Errorf("ParseLine(%q) should fail", line)
		}
	}
}

func TestParseLineTaggedOutput(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf, 2).EncodeDone(&DoneMessage{Runs: 4, Files: 4}); err != nil {
		t.Fatal(err)
	}

	msg, err := ParseLine([]byte("[1,2]<stdout>:" + buf.String()))
	if err != nil {
		t.Fatalf("ParseLine() error = %v", err)
	}
	var done DoneMessage
	if err := msg.ParseData(&done); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageTypeDone || msg.Rank != 2 || done.Runs != 4 {
		t.Errorf("got %s rank %d %+v", msg.Type, msg.Rank, done)
	}
}

func TestEncoderConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = enc.EncodeEvent(&EventMessage{RunIndex: i, Message: "done"})
		}(i)
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	count := 0
	for {
		if _, err := dec.Decode(); err != nil {
			break
		}
		count++
	}
	if count != 20 {
		t.Errorf("decoded %d messages, want 20", count)
	}
}

// Package protocol defines the JSON-lines messages a meta-worker writes on stdout while
// it executes an experiment file.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates a worker rank started and knows its share of runs
	MessageTypeReady MessageType = "READY"
	// MessageTypeEvent indicates progress on one run
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates a rank finished all its runs
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates a run or the worker failed
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the worker is exiting
	MessageTypeExit MessageType = "EXIT"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Rank      int             `json:"rank"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once per rank before any run starts.
type ReadyMessage struct {
	Version    string `json:"version"`
	Experiment string `json:"experiment"`
	PID        int    `json:"pid"`
	Size       int    `json:"size"`
	Runs       int    `json:"runs"`
	Slots      int    `json:"slots"`
}

// EventMessage reports progress on one run.
type EventMessage struct {
	RunIndex int           `json:"run_index"`
	Level    string        `json:"level"` // info, warn, debug
	Message  string        `json:"message"`
	Progress *ProgressInfo `json:"progress,omitempty"`
}

// ProgressInfo contains progress tracking information.
type ProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Unit    string `json:"unit"`
}

// DoneMessage indicates a rank wrote every result file it owns.
type DoneMessage struct {
	Runs     int     `json:"runs"`
	Files    int     `json:"files"`
	Duration float64 `json:"duration"` // seconds
}

// ErrorMessage indicates an error occurred. RunIndex is -1 when not tied to a run.
type ErrorMessage struct {
	RunIndex int               `json:"run_index"`
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
}

// ExitMessage is sent before the worker terminates.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
}

// Error codes reported by workers.
const (
	ErrCodeBadExperiment = "BAD_EXPERIMENT"
	ErrCodeModelLoad     = "MODEL_LOAD"
	ErrCodeSimulation    = "SIMULATION"
	ErrCodeWriteResult   = "WRITE_RESULT"
)

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeEvent, MessageTypeDone,
		MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.RunIndex < 0 {
		return fmt.Errorf("run index must be non-negative")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}

// ParseData decodes the message payload into target.
func (m *Message) ParseData(target interface{}) error {
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", m.Type, err)
	}
	return nil
}

package queue

import (
	"encoding/json"
	"time"
)

// MessageVersion is the current reconcile message schema.
const MessageVersion = 1

// Message asks a worker to reconcile one batch job.
type Message struct {
	JobID      string `json:"jobId"`
	RequestID  string `json:"requestId,omitempty"`
	EnqueuedAt string `json:"enqueuedAt"`
	// Attempt counts how many times the job was requeued while still active.
	Attempt int `json:"attempt"`
	Version int `json:"version"`
}

// NewReconcileMessage builds a message for jobID stamped with now.
func NewReconcileMessage(jobID, requestID string, attempt int, now time.Time) Message {
	return Message{
		JobID:      jobID,
		RequestID:  requestID,
		EnqueuedAt: now.UTC().Format(time.RFC3339),
		Attempt:    attempt,
		Version:    MessageVersion,
	}
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

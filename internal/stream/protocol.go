// Package stream carries sample batches between the capture device, the
// relay server and viewers over a websocket, as JSON envelopes of the form
// {"type": ..., "payload": ...}.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/scg.report/internal/capture"
	"github.com/banshee-data/scg.report/internal/reconstruct"
	"github.com/banshee-data/scg.report/internal/waveform"
)

// Message types.
const (
	TypeSamplesBatch      = "samples_batch"
	TypeInterpolatedBatch = "interpolated_batch"
	TypeSessionEnded      = "session_ended"
)

// ErrInvalidMessage wraps every decoding failure.
var ErrInvalidMessage = errors.New("invalid message format")

// Envelope is the outer frame of every message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SamplesBatch is the capture device's upload: full three-axis samples.
type SamplesBatch struct {
	Samples []capture.RawSample `json:"samples"`
}

// VerticalBatch is a samples_batch as relayed to viewers: only t and az.
type VerticalBatch struct {
	Samples []reconstruct.Sample `json:"samples"`
}

// InterpolatedBatch carries server-reconstructed waveform points.
type InterpolatedBatch struct {
	InterpolatedSamples []waveform.Point `json:"interpolatedSamples"`
}

// ErrorReply is sent back to a client whose message could not be used.
type ErrorReply struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Encode builds the wire form of a message.
func Encode(typ string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// Decode parses the envelope. It does not look inside the payload.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return env, nil
}

type strictSample struct {
	T  *float64 `json:"t"`
	Ax *float64 `json:"ax"`
	Ay *float64 `json:"ay"`
	Az *float64 `json:"az"`
}

// ParseUpload validates a device samples_batch payload. Every sample must
// carry t, ax, ay and az.
func ParseUpload(payload json.RawMessage) ([]capture.RawSample, error) {
	var batch struct {
		Samples *[]strictSample `json:"samples"`
	}
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if batch.Samples == nil {
		return nil, fmt.Errorf("%w: missing samples", ErrInvalidMessage)
	}
	out := make([]capture.RawSample, len(*batch.Samples))
	for i, s := range *batch.Samples {
		if s.T == nil || s.Ax == nil || s.Ay == nil || s.Az == nil {
			return nil, fmt.Errorf("%w: sample %d is missing a field", ErrInvalidMessage, i)
		}
		out[i] = capture.RawSample{T: *s.T, Ax: *s.Ax, Ay: *s.Ay, Az: *s.Az}
	}
	return out, nil
}

// ParseVertical decodes a samples_batch payload for reconstruction. Extra
// axes, if present, are ignored.
func ParseVertical(payload json.RawMessage) ([]reconstruct.Sample, error) {
	var batch VerticalBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return batch.Samples, nil
}

// ParseInterpolated decodes an interpolated_batch payload.
func ParseInterpolated(payload json.RawMessage) (waveform.Series, error) {
	var batch InterpolatedBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return waveform.Series{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return waveform.FromPoints(batch.InterpolatedSamples), nil
}

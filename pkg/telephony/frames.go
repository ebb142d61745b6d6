// Package telephony implements the provider-facing media stream protocol:
// JSON-framed events over a WebSocket, carrying base64 mu-law audio plus the
// stream lifecycle events (connected, start, media, stop) and the outbound
// playback controls (media, mark, clear).
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Sentinel errors for frame decoding. ErrUnknownFrame is recoverable: the
// caller should drop the frame and keep reading. ErrProtocolViolation is
// fatal to the stream.
var (
	ErrUnknownFrame      = errors.New("telephony: unknown frame type")
	ErrProtocolViolation = errors.New("telephony: protocol violation")
)

// Kind identifies a decoded inbound frame.
type Kind string

const (
	KindConnected Kind = "connected"
	KindStart     Kind = "start"
	KindMedia     Kind = "media"
	KindStop      Kind = "stop"
	KindDTMF      Kind = "dtmf"
	KindMark      Kind = "mark"
)

// Frame is one decoded inbound event. Exactly one of the pointer fields is
// set, matching Kind.
type Frame struct {
	Kind      Kind
	StreamSID string
	Seq       uint64

	Start *StartInfo
	Media *MediaChunk
	DTMF  string
	Mark  string
}

// StartInfo carries the stream metadata announced by the start frame.
type StartInfo struct {
	AccountSID string
	CallSID    string
	StreamSID  string
	Tracks     []string
	Format     MediaFormat
	Params     map[string]string
}

// MediaFormat describes the audio encoding negotiated for the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaChunk is one decoded inbound audio chunk.
type MediaChunk struct {
	Track     string
	Payload   []byte
	Timestamp time.Duration
}

// wire envelope shared by all inbound frames.
type envelope struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSID      string      `json:"streamSid,omitempty"`
	Start          *wireStart  `json:"start,omitempty"`
	Media          *wireMedia  `json:"media,omitempty"`
	Stop           *wireStop   `json:"stop,omitempty"`
	DTMF           *wireDTMF   `json:"dtmf,omitempty"`
	Mark           *wireMark   `json:"mark,omitempty"`
}

type wireStart struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type wireMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type wireStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type wireDTMF struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type wireMark struct {
	Name string `json:"name"`
}

// DecodeFrame parses one inbound JSON frame. Structural problems (bad JSON,
// a media frame without a payload, a start frame without stream identity)
// wrap ErrProtocolViolation; an unrecognized event wraps ErrUnknownFrame.
func DecodeFrame(data []byte) (*Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	f := &Frame{StreamSID: env.StreamSID}
	if env.SequenceNumber != "" {
		seq, err := strconv.ParseUint(env.SequenceNumber, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad sequence number %q", ErrProtocolViolation, env.SequenceNumber)
		}
		f.Seq = seq
	}

	switch env.Event {
	case "connected":
		f.Kind = KindConnected
	case "start":
		if env.Start == nil {
			return nil, fmt.Errorf("%w: start frame without start block", ErrProtocolViolation)
		}
		if env.Start.StreamSID == "" || env.Start.CallSID == "" {
			return nil, fmt.Errorf("%w: start frame missing stream identity", ErrProtocolViolation)
		}
		f.Kind = KindStart
		f.StreamSID = env.Start.StreamSID
		f.Start = &StartInfo{
			AccountSID: env.Start.AccountSID,
			CallSID:    env.Start.CallSID,
			StreamSID:  env.Start.StreamSID,
			Tracks:     env.Start.Tracks,
			Format:     env.Start.MediaFormat,
			Params:     env.Start.CustomParameters,
		}
	case "media":
		if env.Media == nil || env.Media.Payload == "" {
			return nil, fmt.Errorf("%w: media frame without payload", ErrProtocolViolation)
		}
		payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: media payload is not base64: %v", ErrProtocolViolation, err)
		}
		f.Kind = KindMedia
		f.Media = &MediaChunk{Track: env.Media.Track, Payload: payload}
		if env.Media.Timestamp != "" {
			if ms, err := strconv.ParseInt(env.Media.Timestamp, 10, 64); err == nil {
				f.Media.Timestamp = time.Duration(ms) * time.Millisecond
			}
		}
	case "stop":
		f.Kind = KindStop
	case "dtmf":
		if env.DTMF == nil {
			return nil, fmt.Errorf("%w: dtmf frame without dtmf block", ErrProtocolViolation)
		}
		f.Kind = KindDTMF
		f.DTMF = env.DTMF.Digit
	case "mark":
		if env.Mark == nil {
			return nil, fmt.Errorf("%w: mark frame without mark block", ErrProtocolViolation)
		}
		f.Kind = KindMark
		f.Mark = env.Mark.Name
	case "":
		return nil, fmt.Errorf("%w: frame without event field", ErrProtocolViolation)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Event)
	}
	return f, nil
}

// EncodeMedia builds an outbound media frame carrying mu-law audio.
func EncodeMedia(streamSID string, payload []byte) ([]byte, error) {
	return json.Marshal(envelope{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &wireMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// EncodeMark builds an outbound mark frame. The provider echoes the mark
// back once all audio queued before it has been played.
func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(envelope{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      &wireMark{Name: name},
	})
}

// EncodeClear builds an outbound clear frame, which discards all audio the
// provider has buffered but not yet played.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(envelope{
		Event:     "clear",
		StreamSID: streamSID,
	})
}

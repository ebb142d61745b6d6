package telephony_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/caavoice/evibridge/pkg/telephony"
)

func TestDecodeFrame_Start(t *testing.T) {
	t.Parallel()

	raw := `{
		"event": "start",
		"sequenceNumber": "1",
		"streamSid": "MZ123",
		"start": {
			"accountSid": "AC111",
			"callSid": "CA222",
			"streamSid": "MZ123",
			"tracks": ["inbound"],
			"mediaFormat": {"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
			"customParameters": {"lang": "en"}
		}
	}`
	f, err := telephony.DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Kind != telephony.KindStart {
		t.Fatalf("kind = %v; want start", f.Kind)
	}
	if f.Seq != 1 || f.StreamSID != "MZ123" {
		t.Errorf("seq/streamSid = %d/%q; want 1/MZ123", f.Seq, f.StreamSID)
	}
	if f.Start.CallSID != "CA222" || f.Start.Format.SampleRate != 8000 {
		t.Errorf("start info = %+v", f.Start)
	}
	if f.Start.Params["lang"] != "en" {
		t.Errorf("custom parameters = %v; want lang=en", f.Start.Params)
	}
}

func TestDecodeFrame_Media(t *testing.T) {
	t.Parallel()

	payload := []byte{0xFF, 0x7F, 0x00}
	raw := `{
		"event": "media",
		"sequenceNumber": "7",
		"streamSid": "MZ123",
		"media": {"track": "inbound", "chunk": "5", "timestamp": "240", "payload": "` +
		base64.StdEncoding.EncodeToString(payload) + `"}
	}`
	f, err := telephony.DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if f.Kind != telephony.KindMedia {
		t.Fatalf("kind = %v; want media", f.Kind)
	}
	if string(f.Media.Payload) != string(payload) {
		t.Errorf("payload = %v; want %v", f.Media.Payload, payload)
	}
	if f.Media.Timestamp != 240*time.Millisecond {
		t.Errorf("timestamp = %v; want 240ms", f.Media.Timestamp)
	}
	if f.Media.Track != "inbound" {
		t.Errorf("track = %q; want inbound", f.Media.Track)
	}
}

func TestDecodeFrame_LifecycleAndAux(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		kind telephony.Kind
	}{
		{"connected", `{"event":"connected","protocol":"Call","version":"1.0.0"}`, telephony.KindConnected},
		{"stop", `{"event":"stop","sequenceNumber":"9","streamSid":"MZ1","stop":{"accountSid":"AC1","callSid":"CA1"}}`, telephony.KindStop},
		{"dtmf", `{"event":"dtmf","streamSid":"MZ1","dtmf":{"track":"inbound_track","digit":"4"}}`, telephony.KindDTMF},
		{"mark", `{"event":"mark","streamSid":"MZ1","mark":{"name":"greeting-done"}}`, telephony.KindMark},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f, err := telephony.DecodeFrame([]byte(tc.raw))
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if f.Kind != tc.kind {
				t.Errorf("kind = %v; want %v", f.Kind, tc.kind)
			}
		})
	}
}

func TestDecodeFrame_UnknownEvent(t *testing.T) {
	t.Parallel()

	_, err := telephony.DecodeFrame([]byte(`{"event":"newfangled","streamSid":"MZ1"}`))
	if !errors.Is(err, telephony.ErrUnknownFrame) {
		t.Errorf("err = %v; want ErrUnknownFrame", err)
	}
	if errors.Is(err, telephony.ErrProtocolViolation) {
		t.Error("unknown frames must not be protocol violations")
	}
}

func TestDecodeFrame_ProtocolViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"bad json", `{"event":`},
		{"no event", `{"streamSid":"MZ1"}`},
		{"media without payload", `{"event":"media","streamSid":"MZ1","media":{"track":"inbound"}}`},
		{"media bad base64", `{"event":"media","streamSid":"MZ1","media":{"payload":"!!!"}}`},
		{"start without block", `{"event":"start","streamSid":"MZ1"}`},
		{"start without identity", `{"event":"start","start":{"accountSid":"AC1"}}`},
		{"bad sequence number", `{"event":"connected","sequenceNumber":"abc"}`},
		{"dtmf without block", `{"event":"dtmf","streamSid":"MZ1"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := telephony.DecodeFrame([]byte(tc.raw))
			if !errors.Is(err, telephony.ErrProtocolViolation) {
				t.Errorf("err = %v; want ErrProtocolViolation", err)
			}
		})
	}
}

func TestEncodeMedia(t *testing.T) {
	t.Parallel()

	payload := []byte{0x01, 0x02, 0x03}
	data, err := telephony.EncodeMedia("MZ9", payload)
	if err != nil {
		t.Fatalf("EncodeMedia: %v", err)
	}
	var got struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Event != "media" || got.StreamSID != "MZ9" {
		t.Errorf("envelope = %+v", got)
	}
	if got.Media.Payload != base64.StdEncoding.EncodeToString(payload) {
		t.Errorf("payload = %q", got.Media.Payload)
	}
}

func TestEncodeMarkAndClear(t *testing.T) {
	t.Parallel()

	data, err := telephony.EncodeMark("MZ9", "chunk-3")
	if err != nil {
		t.Fatalf("EncodeMark: %v", err)
	}
	var mark struct {
		Event string `json:"event"`
		Mark  struct {
			Name string `json:"name"`
		} `json:"mark"`
	}
	if err := json.Unmarshal(data, &mark); err != nil {
		t.Fatalf("unmarshal mark: %v", err)
	}
	if mark.Event != "mark" || mark.Mark.Name != "chunk-3" {
		t.Errorf("mark = %+v", mark)
	}

	data, err = telephony.EncodeClear("MZ9")
	if err != nil {
		t.Fatalf("EncodeClear: %v", err)
	}
	var clr struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
	}
	if err := json.Unmarshal(data, &clr); err != nil {
		t.Fatalf("unmarshal clear: %v", err)
	}
	if clr.Event != "clear" || clr.StreamSID != "MZ9" {
		t.Errorf("clear = %+v", clr)
	}
}

package transport

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		wantEvent string
		wantData  string
		wantErr   error
	}{
		{
			name:      "event with data",
			frame:     `{"event":"sync_data","data":{"tableName":"SalesInvoice"}}`,
			wantEvent: "sync_data",
			wantData:  `{"tableName":"SalesInvoice"}`,
		},
		{
			name:      "event without data",
			frame:     `{"event":"ping"}`,
			wantEvent: "ping",
		},
		{
			name:      "surrounding whitespace",
			frame:     "\n  {\"event\":\"ping\"}  \n",
			wantEvent: "ping",
		},
		{
			name:      "extra fields ignored",
			frame:     `{"event":"ping","seq":17,"v":"2.1"}`,
			wantEvent: "ping",
		},
		{
			name:    "missing event",
			frame:   `{"data":{"x":1}}`,
			wantErr: ErrEmptyEvent,
		},
		{
			name:    "empty event",
			frame:   `{"event":""}`,
			wantErr: ErrEmptyEvent,
		},
		{
			name:    "empty frame",
			frame:   "",
			wantErr: ErrEmptyEvent,
		},
		{
			name:    "whitespace frame",
			frame:   "   \n\t",
			wantErr: ErrEmptyEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.frame))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeEnvelope() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeEnvelope() error = %v", err)
			}
			if env.Event != tt.wantEvent {
				t.Errorf("Event = %q, want %q", env.Event, tt.wantEvent)
			}
			if tt.wantData != "" && string(env.Data) != tt.wantData {
				t.Errorf("Data = %s, want %s", env.Data, tt.wantData)
			}
		})
	}
}

func TestDecodeEnvelope_MalformedJSON(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"event":`))
	if err == nil {
		t.Fatal("DecodeEnvelope() accepted a truncated frame")
	}
	if errors.Is(err, ErrEmptyEvent) {
		t.Errorf("truncated frame reported as empty event: %v", err)
	}
}

func TestEncodeEnvelope_RoundTrip(t *testing.T) {
	frame, err := EncodeEnvelope("sync_response", map[string]any{"syncId": "s-1", "success": true})
	if err != nil {
		t.Fatalf("EncodeEnvelope() error = %v", err)
	}

	env, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.Event != "sync_response" {
		t.Errorf("Event = %q, want sync_response", env.Event)
	}
	var data map[string]any
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshalling data: %v", err)
	}
	if data["syncId"] != "s-1" || data["success"] != true {
		t.Errorf("data = %v, want syncId=s-1 success=true", data)
	}
}

func TestEncodeEnvelope_NilData(t *testing.T) {
	frame, err := EncodeEnvelope("pong", nil)
	if err != nil {
		t.Fatalf("EncodeEnvelope() error = %v", err)
	}
	if string(frame) != `{"event":"pong"}` {
		t.Errorf("frame = %s, want the data field omitted", frame)
	}
}

func TestEncodeEnvelope_EmptyEvent(t *testing.T) {
	if _, err := EncodeEnvelope("", nil); !errors.Is(err, ErrEmptyEvent) {
		t.Errorf("EncodeEnvelope(\"\") error = %v, want %v", err, ErrEmptyEvent)
	}
}

func TestDecodeEnvelopeBatch(t *testing.T) {
	envs, err := decodeEnvelopeBatch([]byte(`[{"event":"identify","data":{}},{"event":"ping"}]`))
	if err != nil {
		t.Fatalf("decodeEnvelopeBatch() error = %v", err)
	}
	if len(envs) != 2 || envs[0].Event != "identify" || envs[1].Event != "ping" {
		t.Errorf("batch = %+v, want identify then ping", envs)
	}

	envs, err = decodeEnvelopeBatch([]byte(`{"event":"ping"}`))
	if err != nil {
		t.Fatalf("single envelope error = %v", err)
	}
	if len(envs) != 1 || envs[0].Event != "ping" {
		t.Errorf("single = %+v, want one ping", envs)
	}

	if _, err := decodeEnvelopeBatch([]byte(`[{"event":"ping"},{"data":{}}]`)); !errors.Is(err, ErrEmptyEvent) {
		t.Errorf("batch with missing event: error = %v, want %v", err, ErrEmptyEvent)
	}
	if _, err := decodeEnvelopeBatch([]byte("")); !errors.Is(err, ErrEmptyEvent) {
		t.Errorf("empty body: error = %v, want %v", err, ErrEmptyEvent)
	}
}

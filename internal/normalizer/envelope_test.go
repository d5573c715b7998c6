package normalizer

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeEnvelope(t *testing.T) {
	raw := json.RawMessage(`{
		"key": {"remoteJid": "5511999@s.whatsapp.net", "fromMe": false, "id": "M1"},
		"pushName": " Ana ",
		"messageTimestamp": "1700000000",
		"status": 3,
		"message": {"conversation": "Hi"}
	}`)
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatal(err)
	}
	if env.ID != "M1" || env.RemoteJID != "5511999@s.whatsapp.net" || env.FromMe || env.PushName != "Ana" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if !env.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp = %v", env.Timestamp)
	}
	if env.Status != "DELIVERY_ACK" {
		t.Fatalf("status = %q", env.Status)
	}
	if Normalize(env.Message).DisplayText != "Hi" {
		t.Fatal("message content not carried")
	}
}

func TestDecodeEnvelopeRejectsMissingKey(t *testing.T) {
	tests := map[string]string{
		"no id":      `{"key": {"remoteJid": "5511@s.whatsapp.net"}}`,
		"no jid":     `{"key": {"id": "M1"}}`,
		"not object": `"hello"`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeEnvelope(json.RawMessage(raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecodeEnvelopeMillisAndLong(t *testing.T) {
	env, err := DecodeEnvelope(json.RawMessage(`{"key":{"id":"a","remoteJid":"1@s.whatsapp.net"},"messageTimestamp":1700000000123}`))
	if err != nil || env.Timestamp.UnixMilli() != 1700000000123 {
		t.Fatalf("millis: %v %v", env.Timestamp, err)
	}
	env, err = DecodeEnvelope(json.RawMessage(`{"key":{"id":"a","remoteJid":"1@s.whatsapp.net"},"messageTimestamp":{"low":1700000000,"high":0}}`))
	if err != nil || env.Timestamp.Unix() != 1700000000 {
		t.Fatalf("long: %v %v", env.Timestamp, err)
	}
}

func TestDecodeMessageRef(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantID     string
		wantStatus string
	}{
		{"flat", `{"keyId":"M1","remoteJid":"1@s.whatsapp.net","status":"read"}`, "M1", "READ"},
		{"keyed numeric", `{"key":{"id":"M2","remoteJid":"1@s.whatsapp.net"},"update":{"status":4}}`, "M2", "READ"},
		{"delete", `{"id":"M3","remoteJid":"1@s.whatsapp.net","fromMe":true}`, "M3", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := DecodeMessageRef(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			if ref.ID != tt.wantID || ref.Status != tt.wantStatus {
				t.Fatalf("got %+v", ref)
			}
		})
	}
	if _, err := DecodeMessageRef(json.RawMessage(`{"status":"READ"}`)); err == nil {
		t.Fatal("expected error without id")
	}
}

func TestDecodeContactAndItems(t *testing.T) {
	c, err := DecodeContact(json.RawMessage(`{"remoteJid":"5511@s.whatsapp.net","pushName":"Ana"}`))
	if err != nil || c.JID != "5511@s.whatsapp.net" || c.PushName != "Ana" {
		t.Fatalf("DecodeContact = %+v, %v", c, err)
	}
	if _, err := DecodeContact(json.RawMessage(`{"pushName":"Ana"}`)); err == nil {
		t.Fatal("expected error without jid")
	}

	items, err := Items(json.RawMessage(`[{"a":1},{"b":2}]`))
	if err != nil || len(items) != 2 {
		t.Fatalf("array items = %d, %v", len(items), err)
	}
	items, err = Items(json.RawMessage(`{"a":1}`))
	if err != nil || len(items) != 1 {
		t.Fatalf("object items = %d, %v", len(items), err)
	}
	items, err = Items(json.RawMessage(`null`))
	if err != nil || len(items) != 0 {
		t.Fatalf("null items = %d, %v", len(items), err)
	}
	if _, err := Items(json.RawMessage(`42`)); err == nil {
		t.Fatal("expected error for scalar data")
	}
}

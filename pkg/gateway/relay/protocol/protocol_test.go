package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeCallerMessageStartCall(t *testing.T) {
	msg, err := DecodeCallerMessage([]byte(`{"type":"start_call","voice":"alloy"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	start, ok := msg.(CallerStart)
	if !ok {
		t.Fatalf("expected CallerStart, got %T", msg)
	}
	if start.Voice != "alloy" {
		t.Fatalf("voice = %q", start.Voice)
	}
}

func TestDecodeCallerMessageAudioAppend(t *testing.T) {
	msg, err := DecodeCallerMessage([]byte(`{"type":"input_audio_buffer.append","audio":"AAAA"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	frame, ok := msg.(CallerAudioAppend)
	if !ok {
		t.Fatalf("expected CallerAudioAppend, got %T", msg)
	}
	if frame.Audio != "AAAA" {
		t.Fatalf("audio = %q", frame.Audio)
	}
}

func TestDecodeCallerMessageAudioAppendRequiresAudio(t *testing.T) {
	_, err := DecodeCallerMessage([]byte(`{"type":"input_audio_buffer.append"}`))
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if de.Param != "audio" {
		t.Fatalf("param = %q", de.Param)
	}
}

func TestDecodeCallerMessageBrackets(t *testing.T) {
	for _, typ := range []string{TypeAudioStart, TypeAudioStop} {
		msg, err := DecodeCallerMessage([]byte(`{"type":"` + typ + `"}`))
		if err != nil {
			t.Fatalf("decode %s: %v", typ, err)
		}
		b, ok := msg.(CallerAudioBracket)
		if !ok || b.Type != typ {
			t.Fatalf("expected bracket %s, got %#v", typ, msg)
		}
	}
}

func TestDecodeCallerMessageCancel(t *testing.T) {
	msg, err := DecodeCallerMessage([]byte(`{"type":"response.cancel"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.(CallerCancel); !ok {
		t.Fatalf("expected CallerCancel, got %T", msg)
	}
}

func TestDecodeCallerMessageTextRequiresText(t *testing.T) {
	if _, err := DecodeCallerMessage([]byte(`{"type":"text_message","text":"  "}`)); err == nil {
		t.Fatalf("expected error for blank text")
	}
}

func TestDecodeCallerMessageUnknownIsRaw(t *testing.T) {
	data := []byte(`{"type":"session.update","session":{}}`)
	msg, err := DecodeCallerMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, ok := msg.(CallerRaw)
	if !ok {
		t.Fatalf("expected CallerRaw, got %T", msg)
	}
	if raw.Type != "session.update" {
		t.Fatalf("type = %q", raw.Type)
	}
	if string(raw.Data) != string(data) {
		t.Fatalf("raw data not preserved")
	}
}

func TestDecodeCallerMessageRejectsInvalidJSON(t *testing.T) {
	if _, err := DecodeCallerMessage([]byte(`{`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestDecodeCallerMessageRejectsMissingType(t *testing.T) {
	if _, err := DecodeCallerMessage([]byte(`{"audio":"x"}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
}

func TestDecodeUpstreamEventAudioDelta(t *testing.T) {
	msg, err := DecodeUpstreamEvent([]byte(`{"type":"response.audio.delta","item_id":"it_1","delta":"AAAA"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev, ok := msg.(UpstreamAudioDelta)
	if !ok {
		t.Fatalf("expected UpstreamAudioDelta, got %T", msg)
	}
	if ev.Delta != "AAAA" || ev.ItemID != "it_1" {
		t.Fatalf("unexpected event %#v", ev)
	}
}

func TestDecodeUpstreamEventResponseDoneFunctionCall(t *testing.T) {
	data := []byte(`{"type":"response.done","response":{"id":"resp_1","status":"completed","output":[{"type":"function_call","name":"getAvailableSlots","call_id":"call_1","arguments":"{\"date\":\"2025-04-22\"}"}]}}`)
	msg, err := DecodeUpstreamEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	done, ok := msg.(UpstreamResponseDone)
	if !ok {
		t.Fatalf("expected UpstreamResponseDone, got %T", msg)
	}
	if len(done.Response.Output) != 1 {
		t.Fatalf("output len = %d", len(done.Response.Output))
	}
	item := done.Response.Output[0]
	if item.Type != ItemTypeFunctionCall || item.Name != "getAvailableSlots" || item.CallID != "call_1" {
		t.Fatalf("unexpected item %#v", item)
	}
}

func TestDecodeUpstreamEventUnknownIsRaw(t *testing.T) {
	msg, err := DecodeUpstreamEvent([]byte(`{"type":"response.created","response":{}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, ok := msg.(UpstreamRaw)
	if !ok || raw.Type != "response.created" {
		t.Fatalf("expected raw response.created, got %#v", msg)
	}
}

func TestNewFunctionOutputShape(t *testing.T) {
	item := NewFunctionOutput("call_9", `{"ok":true}`)
	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != TypeItemCreate {
		t.Fatalf("type = %v", decoded["type"])
	}
	inner := decoded["item"].(map[string]any)
	if inner["type"] != ItemTypeFunctionOut || inner["call_id"] != "call_9" {
		t.Fatalf("unexpected item %v", inner)
	}
}

func TestNewUserMessageShape(t *testing.T) {
	item := NewUserMessage("hello")
	if item.Item.Role != "user" {
		t.Fatalf("role = %q", item.Item.Role)
	}
	if len(item.Item.Content) != 1 || item.Item.Content[0].Text != "hello" {
		t.Fatalf("unexpected content %#v", item.Item.Content)
	}
	if item.Item.Content[0].Type != "input_text" {
		t.Fatalf("content type = %q", item.Item.Content[0].Type)
	}
}

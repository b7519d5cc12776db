package relay

import (
	"encoding/json"
	"testing"
)

func TestToolRegistryDefs(t *testing.T) {
	r := NewToolRegistry()
	defs := r.Defs()
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	names := map[string]bool{}
	for _, d := range defs {
		if d.Type != "function" {
			t.Fatalf("def type = %q", d.Type)
		}
		names[d.Name] = true
	}
	if !names["getAvailableSlots"] || !names["makeBooking"] {
		t.Fatalf("missing tool defs: %v", names)
	}
}

func TestDispatchGetAvailableSlots(t *testing.T) {
	r := NewToolRegistry()
	out := r.Dispatch("getAvailableSlots", `{"date":"2025-04-22","service":"Herraklipping","employee":"Veigar"}`)

	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output not json: %v", err)
	}
	if result["error"] != nil {
		t.Fatalf("unexpected error: %v", result["error"])
	}
	slots, ok := result["slots"].([]any)
	if !ok || len(slots) == 0 {
		t.Fatalf("expected slots, got %v", result["slots"])
	}
	if result["employee"] != "Veigar" {
		t.Fatalf("employee = %v", result["employee"])
	}
}

func TestDispatchGetAvailableSlotsRequiresDate(t *testing.T) {
	r := NewToolRegistry()
	out := r.Dispatch("getAvailableSlots", `{"service":"Herraklipping"}`)
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output not json: %v", err)
	}
	if result["error"] == nil {
		t.Fatalf("expected error-shaped output")
	}
}

func TestDispatchMakeBookingDeterministic(t *testing.T) {
	r := NewToolRegistry()
	args := `{"startTime":"2025-04-22T10:00:00","service":"Herraklipping","employee":"Veigar","customer":{"name":"Jon","email":"jon@example.is","phoneNumber":"5551234","ssn":"1234567890"}}`

	first := r.Dispatch("makeBooking", args)
	second := r.Dispatch("makeBooking", args)
	if first != second {
		t.Fatalf("booking output not deterministic:\n%s\n%s", first, second)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(first), &result); err != nil {
		t.Fatalf("output not json: %v", err)
	}
	if result["status"] != "confirmed" {
		t.Fatalf("status = %v", result["status"])
	}
	id, _ := result["bookingId"].(string)
	if id == "" {
		t.Fatalf("missing bookingId")
	}
}

func TestDispatchMakeBookingRejectsShortPhone(t *testing.T) {
	r := NewToolRegistry()
	args := `{"startTime":"2025-04-22T10:00:00","customer":{"name":"Jon","email":"j@e.is","phoneNumber":"555","ssn":"x"}}`
	out := r.Dispatch("makeBooking", args)
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output not json: %v", err)
	}
	if result["error"] == nil {
		t.Fatalf("expected error for short phone number")
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	out := r.Dispatch("teleport", `{}`)
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output not json: %v", err)
	}
	if result["error"] == nil {
		t.Fatalf("unknown tool must produce error-shaped output")
	}
}

func TestDispatchInvalidArguments(t *testing.T) {
	r := NewToolRegistry()
	out := r.Dispatch("getAvailableSlots", `{broken`)
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output not json: %v", err)
	}
	if result["error"] == nil {
		t.Fatalf("invalid arguments must produce error-shaped output")
	}
}

package relay

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/shinevoice/callgw/pkg/gateway/relay/protocol"
)

// ToolHandler executes one tool call. Args come from the model's JSON
// arguments; the result map is marshaled into the function_call_output.
type ToolHandler func(args map[string]any) (map[string]any, error)

// ToolRegistry maps tool names to handlers and carries the schema
// definitions registered with the upstream session.
type ToolRegistry struct {
	handlers map[string]ToolHandler
	defs     []protocol.ToolDef
}

var (
	serviceNames  = []string{"Herraklipping", "Dömuklipping", "Skeggsnyrting", "Herraklipping og skegg"}
	employeeNames = []string{"Veigar", "Snorri", "Elena", "Magnús"}
)

// NewToolRegistry returns the registry with the booking tools installed.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{handlers: make(map[string]ToolHandler)}
	r.register(getAvailableSlotsDef(), handleGetAvailableSlots)
	r.register(makeBookingDef(), handleMakeBooking)
	return r
}

func (r *ToolRegistry) register(def protocol.ToolDef, handler ToolHandler) {
	r.defs = append(r.defs, def)
	r.handlers[def.Name] = handler
}

// Defs returns the tool definitions for the session-configuration message.
func (r *ToolRegistry) Defs() []protocol.ToolDef {
	return r.defs
}

// Dispatch runs the named tool against raw JSON arguments and returns the
// serialized output. Handler errors and unknown tools produce an
// error-shaped output rather than an error so the model always gets
// exactly one result per call.
func (r *ToolRegistry) Dispatch(name, rawArgs string) string {
	handler, ok := r.handlers[name]
	if !ok {
		return errorOutput(fmt.Sprintf("unknown tool %q", name))
	}
	args := map[string]any{}
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return errorOutput("invalid tool arguments: " + err.Error())
		}
	}
	result, err := handler(args)
	if err != nil {
		return errorOutput(err.Error())
	}
	data, err := json.Marshal(result)
	if err != nil {
		return errorOutput("encode tool result: " + err.Error())
	}
	return string(data)
}

func errorOutput(msg string) string {
	data, _ := json.Marshal(map[string]any{"error": msg})
	return string(data)
}

func getAvailableSlotsDef() protocol.ToolDef {
	return protocol.ToolDef{
		Type:        "function",
		Name:        "getAvailableSlots",
		Description: "Look up open appointment slots for a date, service and employee.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"date": map[string]any{
					"type":        "string",
					"description": "Requested date, YYYY-MM-DD",
				},
				"service": map[string]any{
					"type": "string",
					"enum": serviceNames,
				},
				"employee": map[string]any{
					"type": "string",
					"enum": employeeNames,
				},
			},
			// An earlier revision required "barber" while declaring an
			// "employee" property; the declared property wins.
			"required": []string{"date", "service", "employee"},
		},
	}
}

func makeBookingDef() protocol.ToolDef {
	return protocol.ToolDef{
		Type:        "function",
		Name:        "makeBooking",
		Description: "Book a confirmed slot for a customer.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"startTime": map[string]any{
					"type":        "string",
					"description": "Slot start, ISO 8601",
				},
				"service": map[string]any{
					"type": "string",
					"enum": serviceNames,
				},
				"employee": map[string]any{
					"type": "string",
					"enum": employeeNames,
				},
				"customer": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":  map[string]any{"type": "string"},
						"email": map[string]any{"type": "string"},
						"phoneNumber": map[string]any{
							"type":      "string",
							"minLength": 7,
							"maxLength": 7,
						},
						"ssn": map[string]any{"type": "string"},
					},
					"required": []string{"name", "email", "phoneNumber", "ssn"},
				},
			},
			"required": []string{"startTime", "service", "employee", "customer"},
		},
	}
}

// handleGetAvailableSlots returns a fixed grid of open slots for the
// requested date. Deterministic so conversations are reproducible.
func handleGetAvailableSlots(args map[string]any) (map[string]any, error) {
	date, _ := args["date"].(string)
	if strings.TrimSpace(date) == "" {
		return nil, fmt.Errorf("date is required")
	}
	service, _ := args["service"].(string)
	employee, _ := args["employee"].(string)

	slots := make([]string, 0, 6)
	for _, hhmm := range []string{"09:00", "10:00", "11:30", "13:00", "14:30", "16:00"} {
		slots = append(slots, date+"T"+hhmm+":00")
	}
	return map[string]any{
		"date":     date,
		"service":  service,
		"employee": employee,
		"slots":    slots,
	}, nil
}

// handleMakeBooking confirms a booking with an id derived from the
// arguments, so repeated identical requests get the same confirmation.
func handleMakeBooking(args map[string]any) (map[string]any, error) {
	startTime, _ := args["startTime"].(string)
	if strings.TrimSpace(startTime) == "" {
		return nil, fmt.Errorf("startTime is required")
	}
	customer, _ := args["customer"].(map[string]any)
	if customer == nil {
		return nil, fmt.Errorf("customer is required")
	}
	phone, _ := customer["phoneNumber"].(string)
	if len(phone) != 7 {
		return nil, fmt.Errorf("customer.phoneNumber must be 7 digits")
	}

	return map[string]any{
		"bookingId": bookingID(args),
		"status":    "confirmed",
		"startTime": startTime,
	}, nil
}

func bookingID(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, args[k])
	}
	return fmt.Sprintf("bk_%012x", h.Sum64()&0xffffffffffff)
}

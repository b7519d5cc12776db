// Package protocol defines the wire shapes exchanged on the caller socket
// and with the upstream realtime endpoint, and the decoders that classify
// raw frames into them.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	TypeStartCall        = "start_call"
	TypeTextMessage      = "text_message"
	TypeAudioAppend      = "input_audio_buffer.append"
	TypeAudioStart       = "input_audio_buffer.start"
	TypeAudioStop        = "input_audio_buffer.stop"
	TypeResponseCancel   = "response.cancel"
	TypeAudioDelta       = "response.audio.delta"
	TypeTranscriptDelta  = "response.audio_transcript.delta"
	TypeResponseDone     = "response.done"
	TypeSessionUpdate    = "session.update"
	TypeItemCreate       = "conversation.item.create"
	TypeResponseCreate   = "response.create"
	TypeError            = "error"
	ItemTypeMessage      = "message"
	ItemTypeFunctionCall = "function_call"
	ItemTypeFunctionOut  = "function_call_output"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// CallerStart opens a call. Voice and persona overrides are optional.
type CallerStart struct {
	Type    string `json:"type"`
	Voice   string `json:"voice,omitempty"`
	Persona string `json:"persona,omitempty"`
}

// CallerText carries a typed message from the caller UI, delivered to the
// model as a context-bearing instruction turn.
type CallerText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallerAudioAppend is a captured microphone frame, base64 PCM16LE.
type CallerAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// CallerAudioBracket marks the start or stop of a capture run.
type CallerAudioBracket struct {
	Type string `json:"type"`
}

// CallerCancel asks the gateway to cancel the in-flight assistant turn.
type CallerCancel struct {
	Type string `json:"type"`
}

// CallerRaw is any other caller frame; forwarded to the upstream verbatim.
type CallerRaw struct {
	Type string
	Data []byte
}

// DecodeCallerMessage classifies a caller frame. Unknown types are returned
// as CallerRaw rather than rejected so the relay stays transparent to
// protocol additions.
func DecodeCallerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeStartCall:
		var msg CallerStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_call", "")
		}
		return msg, nil
	case TypeTextMessage:
		var msg CallerText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_message", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text_message.text is required", "text")
		}
		return msg, nil
	case TypeAudioAppend:
		var msg CallerAudioAppend
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid input_audio_buffer.append", "")
		}
		if msg.Audio == "" {
			return nil, badRequest("input_audio_buffer.append.audio is required", "audio")
		}
		return msg, nil
	case TypeAudioStart, TypeAudioStop:
		return CallerAudioBracket{Type: typ}, nil
	case TypeResponseCancel:
		return CallerCancel{Type: typ}, nil
	default:
		return CallerRaw{Type: typ, Data: data}, nil
	}
}

// UpstreamAudioDelta is a chunk of synthesized speech from the model.
type UpstreamAudioDelta struct {
	Type         string `json:"type"`
	ResponseID   string `json:"response_id,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	OutputIndex  int    `json:"output_index,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`
	Delta        string `json:"delta"`
}

// UpstreamTranscriptDelta is a fragment of the assistant's spoken text.
type UpstreamTranscriptDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta"`
}

// OutputItem is one entry of a completed response's output list.
type OutputItem struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// UpstreamResponseDone signals a completed assistant turn. Function calls
// requested by the model arrive as output items here.
type UpstreamResponseDone struct {
	Type     string `json:"type"`
	Response struct {
		ID     string       `json:"id,omitempty"`
		Status string       `json:"status,omitempty"`
		Output []OutputItem `json:"output"`
	} `json:"response"`
}

// UpstreamError is an error event reported by the provider.
type UpstreamError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// UpstreamRaw is any other upstream event; relayed to the caller verbatim.
type UpstreamRaw struct {
	Type string
	Data []byte
}

// DecodeUpstreamEvent classifies an upstream realtime event. Unknown types
// are returned as UpstreamRaw.
func DecodeUpstreamEvent(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json event", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeAudioDelta:
		var ev UpstreamAudioDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badRequest("invalid response.audio.delta", "")
		}
		return ev, nil
	case TypeTranscriptDelta:
		var ev UpstreamTranscriptDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badRequest("invalid response.audio_transcript.delta", "")
		}
		return ev, nil
	case TypeResponseDone:
		var ev UpstreamResponseDone
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badRequest("invalid response.done", "")
		}
		return ev, nil
	case TypeError:
		var ev UpstreamError
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badRequest("invalid error event", "")
		}
		return ev, nil
	default:
		return UpstreamRaw{Type: typ, Data: data}, nil
	}
}

// ToolDef is a tool registration entry for the upstream session.
type ToolDef struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// SessionUpdate configures the upstream session after dial.
type SessionUpdate struct {
	Type    string `json:"type"`
	Session struct {
		Modalities        []string  `json:"modalities,omitempty"`
		Instructions      string    `json:"instructions,omitempty"`
		Voice             string    `json:"voice,omitempty"`
		InputAudioFormat  string    `json:"input_audio_format,omitempty"`
		OutputAudioFormat string    `json:"output_audio_format,omitempty"`
		Tools             []ToolDef `json:"tools,omitempty"`
		ToolChoice        string    `json:"tool_choice,omitempty"`
	} `json:"session"`
}

// ContentPart is one content element of a conversation item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ConversationItem is an item injected into the upstream conversation.
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ItemCreate wraps a ConversationItem for the wire.
type ItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

// ResponseCreate requests a new assistant turn.
type ResponseCreate struct {
	Type     string `json:"type"`
	Response struct {
		Instructions string `json:"instructions,omitempty"`
	} `json:"response,omitempty"`
}

// NewUserMessage builds a user-role conversation item with one text part.
func NewUserMessage(text string) ItemCreate {
	return ItemCreate{
		Type: TypeItemCreate,
		Item: ConversationItem{
			Type:    ItemTypeMessage,
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// NewFunctionOutput builds a function_call_output item for the given call id.
func NewFunctionOutput(callID, output string) ItemCreate {
	return ItemCreate{
		Type: TypeItemCreate,
		Item: ConversationItem{
			Type:   ItemTypeFunctionOut,
			CallID: callID,
			Output: output,
		},
	}
}

// NewResponseCreate requests a turn, optionally with per-turn instructions.
func NewResponseCreate(instructions string) ResponseCreate {
	rc := ResponseCreate{Type: TypeResponseCreate}
	rc.Response.Instructions = instructions
	return rc
}

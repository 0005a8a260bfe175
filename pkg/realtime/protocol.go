package realtime

import (
	"github.com/sashabaranov/go-openai"
)

// Client events.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
	TypeInputAudioBufferCommit = "input_audio_buffer.commit"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
)

// Server events.
const (
	TypeSessionCreated         = "session.created"
	TypeSessionUpdated         = "session.updated"
	TypeSpeechStarted          = "input_audio_buffer.speech_started"
	TypeSpeechStopped          = "input_audio_buffer.speech_stopped"
	TypeTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeResponseCreated        = "response.created"
	TypeResponseDone           = "response.done"
	TypeResponseAudioDelta     = "response.audio.delta"
	TypeResponseTextDelta      = "response.text.delta"
	TypeResponseTextDone       = "response.text.done"
	TypeAudioTranscriptDelta   = "response.audio_transcript.delta"
	TypeAudioTranscriptDone    = "response.audio_transcript.done"
	TypeOutputItemAdded        = "response.output_item.added"
	TypeFunctionArgumentsDelta = "response.function_call_arguments.delta"
	TypeFunctionArgumentsDone  = "response.function_call_arguments.done"
	TypeError                  = "error"
)

// SessionConfig body of session.update and of session.created/updated.
type SessionConfig struct {
	ID                      string         `json:"id,omitempty"`
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
}

type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// Tool the flat function schema the realtime API expects.
type Tool struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolsFromFunctions flattens chat-style function definitions.
func ToolsFromFunctions(defs []openai.FunctionDefinition) []Tool {
	out := make([]Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, Tool{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Item conversation item: a message, function call or function output.
type Item struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	Name      string        `json:"name,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// AssistantText a message spoken on the assistant's behalf.
func AssistantText(text string) Item {
	return Item{Type: "message", Role: "assistant", Content: []ContentPart{{Type: "text", Text: text}}}
}

// FunctionOutput answers a function call.
func FunctionOutput(callID, output string) Item {
	return Item{Type: "function_call_output", CallID: callID, Output: output}
}

// ResponseConfig overrides for one response.create.
type ResponseConfig struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type ItemCreate struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

type ResponseCreate struct {
	Type     string          `json:"type"`
	Response *ResponseConfig `json:"response,omitempty"`
}

// Bare events with only a type: commit, cancel.
type Bare struct {
	Type string `json:"type"`
}

// ErrorDetail payload of an error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

type Response struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// ServerEvent union of the inbound events this package understands.
type ServerEvent struct {
	Type       string         `json:"type"`
	EventID    string         `json:"event_id,omitempty"`
	Session    *SessionConfig `json:"session,omitempty"`
	ItemID     string         `json:"item_id,omitempty"`
	Item       *Item          `json:"item,omitempty"`
	ResponseID string         `json:"response_id,omitempty"`
	Response   *Response      `json:"response,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
	Delta      string         `json:"delta,omitempty"`
	Text       string         `json:"text,omitempty"`
	CallID     string         `json:"call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Arguments  string         `json:"arguments,omitempty"`
	Error      *ErrorDetail   `json:"error,omitempty"`
}

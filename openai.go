package main

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

const openAIRealtimeBaseURL = "wss://api.openai.com/v1/realtime"

const systemInstructions = `You are the TradeLine 24/7 AI receptionist.
Your goal is to answer questions, check availability, and book appointments.
Speak in a professional, warm, and concise manner.
Always use the provided tools for availability and booking.
If the user asks to speak to a human or if you cannot help, use the transfer_call tool.`

// toolSchema describes one function tool in the Realtime session configuration.
type toolSchema struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func realtimeToolSchemas() []toolSchema {
	return []toolSchema{
		{
			Type:        "function",
			Name:        "check_availability",
			Description: "Check available appointment slots for a given date.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"date": map[string]any{"type": "string", "description": "Date to check availability for (e.g. 2024-05-20)"},
				},
				"required": []string{"date"},
			},
		},
		{
			Type:        "function",
			Name:        "book_appointment",
			Description: "Book an appointment for a specific time.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":  map[string]any{"type": "string", "description": "Name of the customer"},
					"time":  map[string]any{"type": "string", "description": "Time of the appointment"},
					"phone": map[string]any{"type": "string", "description": "Phone number of the customer"},
				},
				"required": []string{"name", "time", "phone"},
			},
		},
		{
			Type:        "function",
			Name:        "transfer_call",
			Description: "Transfer the call to a human agent immediately.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string", "description": "Reason for transferring the call"},
				},
				"required": []string{"reason"},
			},
		},
	}
}

// Realtime API server events, parsed generically. Type discriminates; the
// remaining fields are populated per event kind.
type realtimeServerEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`      // response.audio.delta
	Transcript string `json:"transcript,omitempty"` // transcription events
	CallID     string `json:"call_id,omitempty"`    // function call events
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Realtime API client events.
type realtimeSessionUpdate struct {
	Type    string          `json:"type"`
	Session realtimeSession `json:"session"`
}

type realtimeSession struct {
	TurnDetection           *realtimeTurnDetection  `json:"turn_detection,omitempty"`
	InputAudioFormat        string                  `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                  `json:"output_audio_format,omitempty"`
	InputAudioTranscription *realtimeTranscription  `json:"input_audio_transcription,omitempty"`
	Voice                   string                  `json:"voice,omitempty"`
	Instructions            string                  `json:"instructions,omitempty"`
	Modalities              []string                `json:"modalities,omitempty"`
	Temperature             float64                 `json:"temperature,omitempty"`
	Tools                   []toolSchema            `json:"tools,omitempty"`
}

type realtimeTurnDetection struct {
	Type string `json:"type"`
}

type realtimeTranscription struct {
	Model string `json:"model"`
}

type realtimeAudioAppend struct {
	Type  string `json:"type"` // input_audio_buffer.append
	Audio string `json:"audio"`
}

type realtimeItemCreate struct {
	Type string             `json:"type"` // conversation.item.create
	Item realtimeOutputItem `json:"item"`
}

type realtimeOutputItem struct {
	Type   string `json:"type"` // function_call_output
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type realtimeResponseCreate struct {
	Type string `json:"type"` // response.create
}

// dialRealtime opens the OpenAI Realtime WebSocket and sends the session
// configuration for a phone call: server VAD, g711_ulaw both ways (Twilio's
// native format, no transcoding), and the receptionist tool set.
func dialRealtime(cfg *Config) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.OpenAIAPIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	wsURL := cfg.realtimeURL()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	update := realtimeSessionUpdate{
		Type: "session.update",
		Session: realtimeSession{
			TurnDetection:           &realtimeTurnDetection{Type: "server_vad"},
			InputAudioFormat:        "g711_ulaw",
			OutputAudioFormat:       "g711_ulaw",
			InputAudioTranscription: &realtimeTranscription{Model: "whisper-1"},
			Voice:                   cfg.RealtimeVoice,
			Instructions:            systemInstructions,
			Modalities:              []string{"text", "audio"},
			Temperature:             0.7,
			Tools:                   realtimeToolSchemas(),
		},
	}
	if err := conn.WriteJSON(update); err != nil {
		conn.Close()
		return nil, fmt.Errorf("realtime session.update: %w", err)
	}

	return conn, nil
}

// realtimeURL resolves the Realtime endpoint. Tests point the base at a
// local server; production uses the public endpoint.
func (c *Config) realtimeURL() string {
	base := c.realtimeBaseURL
	if base == "" {
		base = openAIRealtimeBaseURL
	}
	return base + "?model=" + c.RealtimeModel
}

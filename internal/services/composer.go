package services

import (
	"context"
	"encoding/base64"
	"log"
)

// VoiceResponse is what the calling surface receives for one turn
type VoiceResponse struct {
	Success       bool           `json:"success"`
	SessionID     string         `json:"session_id"`
	Intent        string         `json:"intent"`
	ResponseText  string         `json:"response_text"`
	ResponseAudio string         `json:"response_audio,omitempty"`
	Action        string         `json:"action"`
	Data          map[string]any `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Synthesizer turns response text into audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type ResponseComposer struct {
	synthesizer Synthesizer
}

// NewResponseComposer builds a composer; synthesizer may be nil
func NewResponseComposer(synthesizer Synthesizer) *ResponseComposer {
	return &ResponseComposer{synthesizer: synthesizer}
}

// Compose copies the outcome verbatim. Audio is best effort and a synthesis
// failure leaves the text response intact.
func (c *ResponseComposer) Compose(ctx context.Context, out *Outcome, includeAudio bool) *VoiceResponse {
	resp := &VoiceResponse{
		Success:      out.Success,
		SessionID:    out.SessionID,
		Intent:       string(out.Intent),
		ResponseText: out.Text,
		Action:       string(out.Action),
		Data:         out.Data,
		Error:        out.Error,
	}

	if includeAudio && c.synthesizer != nil && out.Text != "" {
		audio, err := c.synthesizer.Synthesize(ctx, out.Text)
		if err != nil {
			log.Printf("[VOICE] Speech synthesis failed for session %s: %v", out.SessionID, err)
			return resp
		}
		resp.ResponseAudio = base64.StdEncoding.EncodeToString(audio)
	}
	return resp
}

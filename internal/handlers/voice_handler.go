package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/echobank/internal/middleware"
	"github.com/ruralpay/echobank/internal/services"
	"github.com/ruralpay/echobank/internal/session"
	"github.com/shopspring/decimal"
)

const (
	maxTextBody  = 16 * 1024
	maxAudioBody = 10 * 1024 * 1024
)

// Conversation runs voice turns and manages their sessions
type Conversation interface {
	Handle(ctx context.Context, turn services.Turn) (*services.Outcome, error)
	Session(ctx context.Context, institutionID, sessionID string) (*session.Session, error)
	Clear(ctx context.Context, institutionID, sessionID, token string) error
}

type SpeechToText interface {
	Transcribe(ctx context.Context, req services.TranscribeRequest) (*services.Transcription, error)
}

type PinEnroller interface {
	Enroll(ctx context.Context, institutionID, account, pin string, dailyLimit decimal.Decimal) error
}

type VoiceHandler struct {
	conversation Conversation
	composer     *services.ResponseComposer
	speech       SpeechToText
	pins         PinEnroller
	validator    *services.ValidationHelper
}

func NewVoiceHandler(conversation Conversation, composer *services.ResponseComposer, speech SpeechToText, pins PinEnroller) *VoiceHandler {
	return &VoiceHandler{
		conversation: conversation,
		composer:     composer,
		speech:       speech,
		pins:         pins,
		validator:    services.NewValidationHelper(),
	}
}

type ProcessTextRequest struct {
	Text          string `json:"text" validate:"required,max=500"`
	AccountNumber string `json:"account_number" validate:"required,nuban"`
	SessionID     string `json:"session_id,omitempty" validate:"omitempty,max=64"`
	Token         string `json:"token,omitempty"`
	IncludeAudio  bool   `json:"include_audio,omitempty"`
}

type ProcessAudioRequest struct {
	services.TranscribeRequest
	AccountNumber string `json:"account_number" validate:"required,nuban"`
	SessionID     string `json:"session_id,omitempty" validate:"omitempty,max=64"`
	Token         string `json:"token,omitempty"`
	IncludeAudio  bool   `json:"include_audio,omitempty"`
}

type ClearSessionRequest struct {
	SessionID string `json:"session_id" validate:"required,max=64"`
	Token     string `json:"token,omitempty"`
}

type SetPinRequest struct {
	AccountNumber string          `json:"account_number" validate:"required,nuban"`
	Pin           string          `json:"pin" validate:"required,numeric,min=4,max=6"`
	DailyLimit    decimal.Decimal `json:"daily_limit"`
}

// ProcessText runs one conversational turn from text
// @Summary Process a voice turn from text
// @Tags Voice
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ProcessTextRequest true "Turn request"
// @Success 200 {object} services.VoiceResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /voice/process-text [post]
func (h *VoiceHandler) ProcessText(w http.ResponseWriter, r *http.Request) {
	institutionID, ok := middleware.InstitutionID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ProcessTextRequest
	if !h.validator.DecodeAndValidate(w, r, &req, maxTextBody) {
		return
	}

	h.runTurn(w, r, services.Turn{
		Text:          req.Text,
		AccountNumber: req.AccountNumber,
		InstitutionID: institutionID,
		SessionID:     req.SessionID,
		Token:         req.Token,
	}, req.IncludeAudio, nil)
}

// ProcessAudio transcribes base64 audio and runs the transcript as a turn
// @Summary Process a voice turn from audio
// @Tags Voice
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ProcessAudioRequest true "Audio turn request"
// @Success 200 {object} services.VoiceResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /voice/process-audio [post]
func (h *VoiceHandler) ProcessAudio(w http.ResponseWriter, r *http.Request) {
	institutionID, ok := middleware.InstitutionID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ProcessAudioRequest
	if !h.validator.DecodeAndValidate(w, r, &req, maxAudioBody) {
		return
	}

	transcription, ok := h.transcribe(r.Context(), w, req.TranscribeRequest)
	if !ok {
		return
	}

	h.runTurn(w, r, services.Turn{
		Text:          transcription.Transcript,
		AccountNumber: req.AccountNumber,
		InstitutionID: institutionID,
		SessionID:     req.SessionID,
		Token:         req.Token,
	}, req.IncludeAudio, transcription)
}

// Transcribe converts audio to text without running a turn
// @Summary Transcribe audio
// @Tags Voice
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.TranscribeRequest true "Audio"
// @Success 200 {object} services.Transcription
// @Router /voice/transcribe [post]
func (h *VoiceHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.InstitutionID(r.Context()); !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req services.TranscribeRequest
	if !h.validator.DecodeAndValidate(w, r, &req, maxAudioBody) {
		return
	}

	if transcription, ok := h.transcribe(r.Context(), w, req); ok {
		services.SendJSON(w, http.StatusOK, transcription)
	}
}

// GetSession returns the stored state of a conversation
// @Summary Get session
// @Tags Voice
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} session.Session
// @Failure 404 {object} services.ErrorResponse
// @Router /voice/session/{id} [get]
func (h *VoiceHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	institutionID, ok := middleware.InstitutionID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sess, err := h.conversation.Session(r.Context(), institutionID, chi.URLParam(r, "id"))
	if err != nil {
		sendSessionError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, sess)
}

// DeleteSession cancels any pending transfer and removes the session
// @Summary Delete session
// @Tags Voice
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} object{message=string}
// @Router /voice/session/{id} [delete]
func (h *VoiceHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	h.clear(w, r, chi.URLParam(r, "id"), r.Header.Get("X-Account-Token"))
}

// ClearSession is DeleteSession for clients that cannot send DELETE
// @Summary Clear session
// @Tags Voice
// @Accept json
// @Security BearerAuth
// @Param request body ClearSessionRequest true "Session to clear"
// @Success 200 {object} object{message=string}
// @Router /voice/session/clear [post]
func (h *VoiceHandler) ClearSession(w http.ResponseWriter, r *http.Request) {
	var req ClearSessionRequest
	if !h.validator.DecodeAndValidate(w, r, &req, maxTextBody) {
		return
	}
	h.clear(w, r, req.SessionID, req.Token)
}

// SetPin enrolls or replaces the transfer PIN for an account
// @Summary Set transfer PIN
// @Tags Voice
// @Accept json
// @Security BearerAuth
// @Param request body SetPinRequest true "PIN enrollment"
// @Success 200 {object} object{message=string}
// @Router /voice/pin [post]
func (h *VoiceHandler) SetPin(w http.ResponseWriter, r *http.Request) {
	institutionID, ok := middleware.InstitutionID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req SetPinRequest
	if !h.validator.DecodeAndValidate(w, r, &req, maxTextBody) {
		return
	}
	if req.DailyLimit.IsNegative() {
		services.SendErrorResponse(w, "Daily limit cannot be negative", http.StatusBadRequest, nil)
		return
	}

	err := h.pins.Enroll(r.Context(), institutionID, req.AccountNumber, req.Pin, req.DailyLimit)
	if errors.Is(err, services.ErrInvalidPinFormat) {
		services.SendErrorResponse(w, "PIN must be 4 to 6 digits", http.StatusBadRequest, nil)
		return
	}
	if err != nil {
		log.Printf("[VOICE] PIN enrollment failed for %s/%s: %v", institutionID, req.AccountNumber, err)
		services.SendErrorResponse(w, "Failed to set PIN", http.StatusInternalServerError, nil)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]string{"message": "PIN set successfully"})
}

func (h *VoiceHandler) runTurn(w http.ResponseWriter, r *http.Request, turn services.Turn, includeAudio bool, transcription *services.Transcription) {
	outcome, err := h.conversation.Handle(r.Context(), turn)
	if err != nil {
		log.Printf("[VOICE] Turn failed for %s/%s: %v", turn.InstitutionID, turn.AccountNumber, err)
		sendSessionError(w, err)
		return
	}

	resp := h.composer.Compose(r.Context(), outcome, includeAudio)
	if transcription != nil {
		data := make(map[string]any, len(resp.Data)+2)
		for k, v := range resp.Data {
			data[k] = v
		}
		data["transcript"] = transcription.Transcript
		data["transcription_confidence"] = transcription.Confidence
		resp.Data = data
	}
	services.SendJSON(w, http.StatusOK, resp)
}

func (h *VoiceHandler) transcribe(ctx context.Context, w http.ResponseWriter, req services.TranscribeRequest) (*services.Transcription, bool) {
	transcription, err := h.speech.Transcribe(ctx, req)
	switch {
	case errors.Is(err, services.ErrEmptyAudio):
		services.SendErrorResponse(w, "Audio is required", http.StatusBadRequest, nil)
		return nil, false
	case errors.Is(err, services.ErrNoSpeech):
		services.SendErrorResponse(w, "No speech detected", http.StatusUnprocessableEntity, nil)
		return nil, false
	case err != nil:
		log.Printf("[VOICE] Transcription failed: %v", err)
		services.SendErrorResponse(w, "Failed to transcribe audio", http.StatusInternalServerError, nil)
		return nil, false
	}

	log.Printf("[VOICE] Transcription successful, confidence: %.2f", transcription.Confidence)
	return transcription, true
}

func (h *VoiceHandler) clear(w http.ResponseWriter, r *http.Request, sessionID, token string) {
	institutionID, ok := middleware.InstitutionID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := h.conversation.Clear(r.Context(), institutionID, sessionID, token); err != nil {
		sendSessionError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, map[string]string{"message": "Session cleared"})
}

func sendSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		services.SendErrorResponse(w, "Session not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrSessionOwnership):
		services.SendErrorResponse(w, "Session belongs to another account", http.StatusForbidden, nil)
	case errors.Is(err, session.ErrMalformedSession):
		services.SendErrorResponse(w, "Session data was corrupted and has been reset", http.StatusInternalServerError, nil)
	default:
		log.Printf("[VOICE] Session operation failed: %v", err)
		services.SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
	}
}

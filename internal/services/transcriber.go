package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
)

const (
	defaultEncoding     = "LINEAR16"
	defaultSampleRate   = 16000
	defaultLanguageCode = "en-NG"
	recognizeTimeout    = 30 * time.Second
	mockTranscript      = "what is my balance"
)

var (
	ErrEmptyAudio = errors.New("audio data is empty")
	ErrNoSpeech   = errors.New("no speech recognized")
)

type TranscribeRequest struct {
	Audio        string `json:"audio" validate:"required,base64"`
	Encoding     string `json:"encoding" validate:"omitempty,max=32"`
	SampleRate   int    `json:"sample_rate" validate:"omitempty,min=8000,max=48000"`
	LanguageCode string `json:"language_code" validate:"omitempty,bcp47_language_tag"`
}

type Transcription struct {
	Transcript string  `json:"transcript"`
	Confidence float32 `json:"confidence"`
	Duration   float64 `json:"duration_seconds"`
}

// Transcriber converts base64 audio to text with Google Speech. Without a
// speech client it returns a fixed transcript so local runs work offline.
type Transcriber struct {
	client *speech.Client
}

func NewTranscriber(ctx context.Context, enabled bool) *Transcriber {
	if !enabled {
		log.Printf("[VOICE] Speech recognition disabled, using mock transcriber")
		return &Transcriber{}
	}

	client, err := speech.NewClient(ctx)
	if err != nil {
		log.Printf("[VOICE] Warning: failed to initialize speech client, using mock transcriber: %v", err)
		return &Transcriber{}
	}
	return &Transcriber{client: client}
}

func (t *Transcriber) Transcribe(ctx context.Context, req TranscribeRequest) (*Transcription, error) {
	audio, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	start := time.Now()
	if t.client == nil {
		return &Transcription{Transcript: mockTranscript, Confidence: 0.95, Duration: time.Since(start).Seconds()}, nil
	}

	req = req.withDefaults()
	encoding, err := parseEncoding(req.Encoding)
	if err != nil {
		return nil, err
	}

	recognizeCtx, cancel := context.WithTimeout(ctx, recognizeTimeout)
	defer cancel()

	resp, err := t.client.Recognize(recognizeCtx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   encoding,
			SampleRateHertz:            int32(req.SampleRate),
			LanguageCode:               req.LanguageCode,
			AlternativeLanguageCodes:   []string{"en-US"},
			EnableAutomaticPunctuation: true,
			Model:                      "latest_short",
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("recognition failed: %w", err)
	}

	result := mergeResults(resp.GetResults())
	if result == nil {
		return nil, ErrNoSpeech
	}
	result.Duration = time.Since(start).Seconds()
	return result, nil
}

func (t *Transcriber) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

func (r TranscribeRequest) withDefaults() TranscribeRequest {
	if r.Encoding == "" {
		r.Encoding = defaultEncoding
	}
	if r.SampleRate == 0 {
		r.SampleRate = defaultSampleRate
	}
	if r.LanguageCode == "" {
		r.LanguageCode = defaultLanguageCode
	}
	return r
}

// mergeResults joins the top alternative of each result and averages confidence
func mergeResults(results []*speechpb.SpeechRecognitionResult) *Transcription {
	var transcript strings.Builder
	var total float32
	var count int

	for _, result := range results {
		alternatives := result.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		transcript.WriteString(alternatives[0].GetTranscript())
		transcript.WriteString(" ")
		total += alternatives[0].GetConfidence()
		count++
	}

	text := strings.TrimSpace(transcript.String())
	if count == 0 || text == "" {
		return nil
	}
	return &Transcription{Transcript: text, Confidence: total / float32(count)}
}

func parseEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch strings.ToUpper(encoding) {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "AMR":
		return speechpb.RecognitionConfig_AMR, nil
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

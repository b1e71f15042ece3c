// Package extract turns a finished transcript into structured meeting
// insights (summary, action items, decisions, business signals) using the
// Gemini API. Extraction is best effort: callers persist whatever payload
// comes back and never fail a job on an extraction error.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/hazyhaar/meetscribe/idgen"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-3-flash-preview"

// minTranscriptLen is the shortest transcript worth sending to the model.
const minTranscriptLen = 50

const systemPrompt = "You are an expert AI meeting assistant. Analyze the following transcript and extract structured data. Always respond in the language of the transcript."

// MeetingSummary condenses the whole conversation.
type MeetingSummary struct {
	Abstract  string   `json:"abstract"`
	Topics    []string `json:"topics"`
	Sentiment string   `json:"sentiment"`
}

// ActionItem is a follow-up captured during the meeting.
type ActionItem struct {
	Description string  `json:"description"`
	Owner       *string `json:"owner"`
	Deadline    *string `json:"deadline"`
	Status      string  `json:"status"`
}

// KeyDecision records something the participants settled on.
type KeyDecision struct {
	Decision string  `json:"decision"`
	Context  *string `json:"context"`
}

// BusinessInsights gathers sales-oriented signals from the conversation.
type BusinessInsights struct {
	Objections           []string `json:"objections"`
	NegotiationPoints    []string `json:"negotiation_points"`
	CompetitorsMentioned []string `json:"competitors_mentioned"`
	BudgetRange          *string  `json:"budget_range"`
}

// ExtractedData is the full structured payload stored alongside a meeting.
type ExtractedData struct {
	Summary          MeetingSummary   `json:"summary"`
	ActionItems      []ActionItem     `json:"action_items"`
	Decisions        []KeyDecision    `json:"decisions"`
	BusinessInsights BusinessInsights `json:"business_insights"`
}

// Span is the telemetry record for one model call. Transcript content never
// leaves the process, only its hash and length do.
type Span struct {
	SpanID        string
	MeetingID     int64
	Model         string
	PromptVersion string
	TranscriptSHA string
	TranscriptLen int
	DurationMS    int64
	Success       bool
	Error         string
}

// SpanRecorder persists extraction telemetry. Implementations must be
// fire and forget, a recording failure never reaches the caller.
type SpanRecorder interface {
	RecordSpan(span Span)
}

// Extractor calls Gemini and validates its answer against ExtractedData.
// The zero API key leaves it unconfigured: ExtractAll then returns a skip
// payload without any network call.
type Extractor struct {
	client        *genai.Client
	model         string
	promptVersion string
	spans         SpanRecorder
	newID         idgen.Generator
	logger        *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithSpans records one telemetry span per model call.
func WithSpans(r SpanRecorder) Option {
	return func(e *Extractor) { e.spans = r }
}

// WithPromptVersion tags spans with the prompt revision in use.
func WithPromptVersion(v string) Option {
	return func(e *Extractor) { e.promptVersion = v }
}

// New builds an Extractor. An empty or placeholder API key is not an error:
// the returned Extractor simply skips model calls.
func New(ctx context.Context, apiKey, model string, logger *slog.Logger, opts ...Option) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = DefaultModel
	}
	e := &Extractor{
		model:         model,
		promptVersion: "v1",
		newID:         idgen.Hex(12),
		logger:        logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if apiKey == "" || apiKey == "change_me" {
		logger.Info("LLM extraction disabled, no API key configured")
		return e, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: create gemini client: %w", err)
	}
	e.client = client
	logger.Info("LLM extraction enabled", "model", model)
	return e, nil
}

// Configured reports whether a model call will actually happen.
func (e *Extractor) Configured() bool {
	return e.client != nil
}

// ExtractAll analyzes a transcript and returns the marshaled ExtractedData.
// Transcripts under 50 characters and unconfigured extractors yield a skip
// payload with no model call and no recorded span.
func (e *Extractor) ExtractAll(ctx context.Context, meetingID int64, transcript string) (json.RawMessage, error) {
	if len(transcript) < minTranscriptLen {
		return skipPayload("Transcript too short.")
	}
	if e.client == nil {
		return skipPayload("LLM not configured (skipped).")
	}

	span := Span{
		SpanID:        "span_" + e.newID(),
		MeetingID:     meetingID,
		Model:         e.model,
		PromptVersion: e.promptVersion,
		TranscriptSHA: sha16(transcript),
		TranscriptLen: len(transcript),
	}
	start := time.Now()
	data, err := e.generate(ctx, transcript)
	span.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		span.Error = err.Error()
		e.recordSpan(span)
		e.logger.Warn("Extraction call failed", "meeting_id", meetingID, "model", e.model, "duration_ms", span.DurationMS, "error", err)
		return nil, err
	}
	span.Success = true
	e.recordSpan(span)
	e.logger.Info("Extraction call done", "meeting_id", meetingID, "model", e.model, "duration_ms", span.DurationMS)
	return data, nil
}

// generate performs one Gemini call and normalizes the answer.
func (e *Extractor) generate(ctx context.Context, transcript string) (json.RawMessage, error) {
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	result, err := e.client.Models.GenerateContent(ctx, e.model, genai.Text(buildPrompt(transcript)), config)
	if err != nil {
		return nil, fmt.Errorf("extract: generate content: %w", err)
	}
	text := extractText(result)
	if text == "" {
		return nil, fmt.Errorf("extract: empty response from model")
	}
	var data ExtractedData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("extract: model returned invalid JSON: %w", err)
	}
	normalize(&data)
	return json.Marshal(data)
}

// buildPrompt embeds the expected schema so the model answers in one shot.
func buildPrompt(transcript string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nReply with a single JSON object matching exactly this schema:\n")
	b.WriteString(`{
  "summary": {"abstract": "3-5 sentence executive summary", "topics": ["main topics discussed"], "sentiment": "overall tone, e.g. positive, neutral, tense, productive"},
  "action_items": [{"description": "what must be done", "owner": "person responsible or null", "deadline": "date or relative wording or null", "status": "open"}],
  "decisions": [{"decision": "what was decided", "context": "why, or null"}],
  "business_insights": {"objections": ["client objections"], "negotiation_points": ["points under negotiation"], "competitors_mentioned": ["competitor names"], "budget_range": "mentioned budget or null"}
}`)
	b.WriteString("\n\nTranscript:\n")
	b.WriteString(transcript)
	return b.String()
}

// extractText concatenates all text parts of the first candidate.
func extractText(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 {
		return ""
	}
	candidate := result.Candidates[0]
	if candidate.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// normalize replaces nil slices so the stored JSON always carries arrays.
func normalize(data *ExtractedData) {
	if data.Summary.Topics == nil {
		data.Summary.Topics = []string{}
	}
	if data.ActionItems == nil {
		data.ActionItems = []ActionItem{}
	}
	for i := range data.ActionItems {
		if data.ActionItems[i].Status == "" {
			data.ActionItems[i].Status = "open"
		}
	}
	if data.Decisions == nil {
		data.Decisions = []KeyDecision{}
	}
	if data.BusinessInsights.Objections == nil {
		data.BusinessInsights.Objections = []string{}
	}
	if data.BusinessInsights.NegotiationPoints == nil {
		data.BusinessInsights.NegotiationPoints = []string{}
	}
	if data.BusinessInsights.CompetitorsMentioned == nil {
		data.BusinessInsights.CompetitorsMentioned = []string{}
	}
}

// skipPayload builds the placeholder stored when no model call happens.
func skipPayload(reason string) (json.RawMessage, error) {
	data := ExtractedData{
		Summary: MeetingSummary{
			Abstract:  reason,
			Topics:    []string{},
			Sentiment: "neutral",
		},
		ActionItems: []ActionItem{},
		Decisions:   []KeyDecision{},
		BusinessInsights: BusinessInsights{
			Objections:           []string{},
			NegotiationPoints:    []string{},
			CompetitorsMentioned: []string{},
		},
	}
	return json.Marshal(data)
}

func (e *Extractor) recordSpan(span Span) {
	if e.spans == nil {
		return
	}
	e.spans.RecordSpan(span)
}

// sha16 is a short transcript fingerprint safe to store in telemetry.
func sha16(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

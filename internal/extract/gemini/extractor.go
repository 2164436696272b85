// Package gemini implements the extractor contract on top of the Gemini
// API. The model is asked for JSON per step; anything that fails to parse
// or validate against the expected shape is reported as an
// extract.Failure so the engine never advances state on malformed output.
package gemini

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"hireline/internal/extract"
)

//go:embed prompts/intent.md
var intentInstructions string

//go:embed prompts/commitment.md
var commitmentInstructions string

//go:embed prompts/resume.md
var resumeInstructions string

//go:embed prompts/interview.md
var interviewInstructions string

type contentGenerator interface {
	GenerateContent(ctx context.Context, instruction, userMessage string, temperature float32) (string, error)
}

// Extractor is the Gemini-backed implementation of extract.Extractor.
type Extractor struct {
	generator contentGenerator
	logger    *zap.Logger
}

func NewExtractor(generator contentGenerator, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{generator: generator, logger: logger}
}

func (e *Extractor) ConfirmIntent(ctx context.Context, in extract.Input) (extract.IntentResult, error) {
	var out struct {
		IntentConfirmed bool    `json:"intent_confirmed"`
		Confidence      float64 `json:"confidence"`
		Response        string  `json:"response"`
	}
	if err := e.generate(ctx, "confirm_intent", intentInstructions, 0.2, in, &out); err != nil {
		return extract.IntentResult{}, err
	}
	return extract.IntentResult{
		Confirmed:  out.IntentConfirmed,
		Confidence: out.Confidence,
		Reply:      strings.TrimSpace(out.Response),
	}, nil
}

func (e *Extractor) CheckCommitment(ctx context.Context, in extract.Input) (extract.CommitmentResult, error) {
	var out struct {
		CommitmentPeriod string  `json:"commitment_period"`
		PeriodInMonths   float64 `json:"period_in_months"`
		PeriodRecognized bool    `json:"period_recognized"`
		Response         string  `json:"response"`
	}
	if err := e.generate(ctx, "commitment_check", commitmentInstructions, 0.3, in, &out); err != nil {
		return extract.CommitmentResult{}, err
	}
	return extract.CommitmentResult{
		Period: strings.TrimSpace(out.CommitmentPeriod),
		Months: int(out.PeriodInMonths),
		Parsed: out.PeriodRecognized,
		Reply:  strings.TrimSpace(out.Response),
	}, nil
}

func (e *Extractor) ClassifyResume(ctx context.Context, in extract.Input) (extract.ResumeResult, error) {
	var out struct {
		ResumeReceived bool   `json:"resume_received"`
		FileTypeValid  bool   `json:"file_type_valid"`
		NeedsGuidance  bool   `json:"needs_guidance"`
		Response       string `json:"response"`
	}
	if err := e.generate(ctx, "request_resume", resumeInstructions, 0.1, in, &out); err != nil {
		return extract.ResumeResult{}, err
	}
	return extract.ResumeResult{
		Received:      out.ResumeReceived,
		FileTypeValid: out.FileTypeValid,
		NeedsGuidance: out.NeedsGuidance,
		Reply:         strings.TrimSpace(out.Response),
	}, nil
}

func (e *Extractor) InterviewDetails(ctx context.Context, in extract.Input) (extract.InterviewDetailResult, error) {
	var out struct {
		NameProvided bool   `json:"name_provided"`
		NRICProvided bool   `json:"nric_provided"`
		Name         string `json:"name"`
		NRIC         string `json:"nric"`
		Response     string `json:"response"`
	}
	if err := e.generate(ctx, "request_interview_details", interviewInstructions, 0.1, in, &out); err != nil {
		return extract.InterviewDetailResult{}, err
	}
	res := extract.InterviewDetailResult{Reply: strings.TrimSpace(out.Response)}
	if out.NameProvided {
		res.FullName = strings.TrimSpace(out.Name)
	}
	if out.NRICProvided {
		res.NRIC = strings.ToUpper(strings.TrimSpace(out.NRIC))
	}
	return res, nil
}

func (e *Extractor) generate(ctx context.Context, step, instructions string, temperature float32, in extract.Input, out any) error {
	userMessage := buildUserMessage(in)

	e.logger.Debug("gemini extract request",
		zap.String("step", step),
		zap.Int("message_length", utf8.RuneCountInString(userMessage)),
	)

	raw, err := e.generator.GenerateContent(ctx, instructions, userMessage, temperature)
	if err != nil {
		return &extract.Failure{Err: err}
	}

	e.logger.Debug("gemini extract response",
		zap.String("step", step),
		zap.Int("response_length", utf8.RuneCountInString(raw)),
	)

	cleaned := extractJSON(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return &extract.Failure{Err: fmt.Errorf("parse %s response: %w", step, err)}
	}
	return nil
}

func buildUserMessage(in extract.Input) string {
	var b strings.Builder
	if strings.TrimSpace(in.Text) == "" {
		b.WriteString("User sent a message without text content (e.g., an image or document only).")
	} else {
		b.WriteString("User message: ")
		b.WriteString(in.Text)
	}
	if in.HasAttachment {
		name := in.AttachmentName
		if name == "" {
			name = "unnamed file"
		}
		fmt.Fprintf(&b, "\nThe user attached a file named: %s", name)
	}
	if len(in.MissingFields) > 0 {
		fmt.Fprintf(&b, "\nStill missing fields: %s", strings.Join(in.MissingFields, ", "))
	}
	return b.String()
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}

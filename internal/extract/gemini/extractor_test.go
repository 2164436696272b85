package gemini

import (
	"context"
	"errors"
	"strings"
	"testing"

	"hireline/internal/extract"
)

type stubGenerator struct {
	response string
	err      error
	// captured from the last call
	instruction string
	userMessage string
}

func (s *stubGenerator) GenerateContent(_ context.Context, instruction, userMessage string, _ float32) (string, error) {
	s.instruction = instruction
	s.userMessage = userMessage
	return s.response, s.err
}

func TestConfirmIntentParsesFencedJSON(t *testing.T) {
	gen := &stubGenerator{response: "```json\n{\"intent_confirmed\": true, \"confidence\": 0.92, \"response\": \"Glad to hear it!\"}\n```"}
	ex := NewExtractor(gen, nil)

	res, err := ex.ConfirmIntent(context.Background(), extract.Input{Text: "yes I want the job"})
	if err != nil {
		t.Fatalf("ConfirmIntent: %v", err)
	}
	if !res.Confirmed || res.Confidence != 0.92 || res.Reply != "Glad to hear it!" {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(gen.userMessage, "yes I want the job") {
		t.Fatalf("user message not forwarded: %q", gen.userMessage)
	}
}

func TestCheckCommitmentBareJSON(t *testing.T) {
	gen := &stubGenerator{response: `{"commitment_period": "6 months", "period_in_months": 6, "period_recognized": true, "response": "Thanks!"}`}
	ex := NewExtractor(gen, nil)

	res, err := ex.CheckCommitment(context.Background(), extract.Input{Text: "about half a year"})
	if err != nil {
		t.Fatalf("CheckCommitment: %v", err)
	}
	if !res.Parsed || res.Months != 6 || res.Period != "6 months" {
		t.Fatalf("result: %+v", res)
	}
}

func TestMalformedOutputIsFailure(t *testing.T) {
	gen := &stubGenerator{response: "Sure, happy to help! The candidate wants to apply."}
	ex := NewExtractor(gen, nil)

	_, err := ex.ConfirmIntent(context.Background(), extract.Input{Text: "hi"})
	var failure *extract.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("prose output must surface as extract.Failure, got %v", err)
	}
}

func TestGeneratorErrorIsFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("rpc deadline exceeded")}
	ex := NewExtractor(gen, nil)

	_, err := ex.ClassifyResume(context.Background(), extract.Input{Text: "here you go"})
	var failure *extract.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("generator error must surface as extract.Failure, got %v", err)
	}
}

func TestInterviewDetailsIgnoresUnprovidedFields(t *testing.T) {
	gen := &stubGenerator{response: `{"name_provided": false, "nric_provided": true, "name": "hallucinated", "nric": "s1234567a", "response": "Got your NRIC."}`}
	ex := NewExtractor(gen, nil)

	res, err := ex.InterviewDetails(context.Background(), extract.Input{Text: "S1234567A", MissingFields: []string{"full_name", "nric"}})
	if err != nil {
		t.Fatalf("InterviewDetails: %v", err)
	}
	if res.FullName != "" {
		t.Fatalf("name must be dropped when not flagged as provided: %+v", res)
	}
	if res.NRIC != "S1234567A" {
		t.Fatalf("nric = %q", res.NRIC)
	}
	if !strings.Contains(gen.userMessage, "Still missing fields: full_name, nric") {
		t.Fatalf("missing fields not forwarded: %q", gen.userMessage)
	}
}

func TestBuildUserMessageAttachmentOnly(t *testing.T) {
	msg := buildUserMessage(extract.Input{HasAttachment: true, AttachmentName: "resume.pdf"})
	if !strings.Contains(msg, "without text content") || !strings.Contains(msg, "resume.pdf") {
		t.Fatalf("message: %q", msg)
	}
}

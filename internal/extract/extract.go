// Package extract defines the contract between the conversation engine and
// the structured-understanding service that turns free-form applicant text
// into typed per-step results. Adapters validate their backend's output at
// this boundary so the engine never handles untyped maps.
package extract

import "context"

// Failure marks classifier output that was unavailable or failed schema
// validation. The engine must not advance state on a Failure; it increments
// the attempt counter and re-prompts.
type Failure struct {
	Err error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return "extraction failure"
	}
	return "extraction failure: " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// Input carries the utterance plus the context the adapter may need: which
// fields are still missing and whether the channel adapter attached a file
// it already validated against its content-type allow-list.
type Input struct {
	Text           string
	MissingFields  []string
	HasAttachment  bool
	AttachmentName string
}

// IntentResult reports whether the applicant intends to apply. Ambiguity is
// a normal result (Confirmed=false), not a failure.
type IntentResult struct {
	Confirmed  bool
	Confidence float64
	Reply      string
}

// CommitmentResult carries the stated commitment period normalized to whole
// months. Sufficiency is decided by the engine against its configured
// minimum, not by the adapter.
type CommitmentResult struct {
	Period string
	Months int
	Parsed bool
	Reply  string
}

type ResumeResult struct {
	Received      bool
	FileTypeValid bool
	NeedsGuidance bool
	Reply         string
}

// InterviewDetailResult carries whichever identity fields this utterance
// supplied; empty strings mean not provided. Fields may arrive across
// several messages.
type InterviewDetailResult struct {
	FullName string
	NRIC     string
	Reply    string
}

// Extractor is the structured-understanding service. Implementations are
// stateless from the engine's perspective, side-effect-free and bounded in
// latency by the caller's context.
type Extractor interface {
	ConfirmIntent(ctx context.Context, in Input) (IntentResult, error)
	CheckCommitment(ctx context.Context, in Input) (CommitmentResult, error)
	ClassifyResume(ctx context.Context, in Input) (ResumeResult, error)
	InterviewDetails(ctx context.Context, in Input) (InterviewDetailResult, error)
}

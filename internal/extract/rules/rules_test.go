package rules

import (
	"context"
	"testing"

	"hireline/internal/extract"
)

func TestParseCommitmentMonths(t *testing.T) {
	cases := []struct {
		text   string
		months int
		ok     bool
	}{
		{"1 month", 1, true},
		{"6 months", 6, true},
		{"around 3 mths", 3, true},
		{"1 year", 12, true},
		{"3 years", 36, true},
		{"2 weeks", 0, true},
		{"4 weeks", 1, true},
		{"45 days", 1, true},
		{"10 days", 0, true},
		{"no commitment", 0, true},
		{"I'm flexible", 0, true},
		{"as long as needed", 0, false},
	}
	for _, c := range cases {
		months, _, ok := ParseCommitmentMonths(c.text)
		if months != c.months || ok != c.ok {
			t.Errorf("ParseCommitmentMonths(%q) = (%d, %v), want (%d, %v)", c.text, months, ok, c.months, c.ok)
		}
	}
}

func TestConfirmIntent(t *testing.T) {
	ex := New()
	res, err := ex.ConfirmIntent(context.Background(), extract.Input{Text: "I'd like to apply please"})
	if err != nil || !res.Confirmed {
		t.Fatalf("clear intent: %+v err=%v", res, err)
	}
	res, err = ex.ConfirmIntent(context.Background(), extract.Input{Text: "hello there"})
	if err != nil || res.Confirmed {
		t.Fatalf("greeting must stay unconfirmed: %+v err=%v", res, err)
	}
}

func TestClassifyResume(t *testing.T) {
	ex := New()
	ctx := context.Background()

	res, _ := ex.ClassifyResume(ctx, extract.Input{HasAttachment: true, AttachmentName: "cv.pdf"})
	if !res.Received || !res.FileTypeValid {
		t.Fatalf("attachment: %+v", res)
	}
	res, _ = ex.ClassifyResume(ctx, extract.Input{Text: "I don't have a resume"})
	if !res.NeedsGuidance || res.Received {
		t.Fatalf("guidance: %+v", res)
	}
	res, _ = ex.ClassifyResume(ctx, extract.Input{Text: "ok"})
	if res.Received || res.NeedsGuidance {
		t.Fatalf("short text: %+v", res)
	}
}

func TestInterviewDetails(t *testing.T) {
	ex := New()
	ctx := context.Background()

	res, _ := ex.InterviewDetails(ctx, extract.Input{Text: "My name is Jane Tan"})
	if res.FullName != "Jane Tan" {
		t.Fatalf("name phrase: %+v", res)
	}
	res, _ = ex.InterviewDetails(ctx, extract.Input{Text: "it's s1234567a"})
	if res.NRIC != "S1234567A" {
		t.Fatalf("sg nric not uppercased: %q", res.NRIC)
	}

	res, _ = ex.InterviewDetails(ctx, extract.Input{Text: "880101-10-1234"})
	if res.NRIC != "880101-10-1234" {
		t.Fatalf("my nric: %+v", res)
	}

	// Bare name is only accepted when the name is what we asked for.
	res, _ = ex.InterviewDetails(ctx, extract.Input{Text: "Jane Tan", MissingFields: []string{"full_name"}})
	if res.FullName != "Jane Tan" {
		t.Fatalf("bare name: %+v", res)
	}
	res, _ = ex.InterviewDetails(ctx, extract.Input{Text: "Jane Tan", MissingFields: []string{"nric"}})
	if res.FullName != "" {
		t.Fatalf("bare name without prompt: %+v", res)
	}
}

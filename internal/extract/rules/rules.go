// Package rules implements the extractor contract with deterministic text
// rules. It backs offline/dev deployments and carries the canonical
// commitment unit table.
package rules

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"hireline/internal/extract"
)

var (
	monthRe = regexp.MustCompile(`(\d+)\s*(?:months?|mths?|mo\b)`)
	yearRe  = regexp.MustCompile(`(\d+)\s*(?:years?|yrs?)`)
	weekRe  = regexp.MustCompile(`(\d+)\s*(?:weeks?|wks?)`)
	dayRe   = regexp.MustCompile(`(\d+)\s*days?`)

	sgNRICRe = regexp.MustCompile(`\b[STFGMstfgm]\d{7}[A-Za-z]\b`)
	myNRICRe = regexp.MustCompile(`\b\d{6}-\d{2}-\d{4}\b`)

	nameRe = regexp.MustCompile(`(?i)(?:my name is|i am|i'm|name[:\s]+)\s*([A-Za-z][A-Za-z .'-]{1,60})`)
)

var intentKeywords = []string{"apply", "application", "job", "hiring", "career", "position", "interested", "airline house"}

var guidancePhrases = []string{"no resume", "don't have a resume", "dont have a resume", "what is a resume"}

// ParseCommitmentMonths normalizes a stated commitment period to whole
// months: month(s)/mth(s)/mo x1, year(s)/yr(s) x12, week(s) /4 and day(s)
// /30 floored, "no commitment"/"flexible" -> 0. ok is false when no period
// could be recognized at all.
func ParseCommitmentMonths(text string) (months int, period string, ok bool) {
	lower := strings.ToLower(text)
	if m := yearRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n * 12, m[0], true
	}
	if m := monthRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n, m[0], true
	}
	if m := weekRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n / 4, m[0], true
	}
	if m := dayRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n / 30, m[0], true
	}
	if strings.Contains(lower, "no commitment") || strings.Contains(lower, "flexible") {
		return 0, "no commitment", true
	}
	return 0, "", false
}

// Extractor is the rule-based implementation of extract.Extractor.
type Extractor struct{}

func New() Extractor { return Extractor{} }

func (Extractor) ConfirmIntent(_ context.Context, in extract.Input) (extract.IntentResult, error) {
	lower := strings.ToLower(in.Text)
	for _, kw := range intentKeywords {
		if strings.Contains(lower, kw) {
			return extract.IntentResult{Confirmed: true, Confidence: 0.9}, nil
		}
	}
	return extract.IntentResult{Confirmed: false, Confidence: 0.5}, nil
}

func (Extractor) CheckCommitment(_ context.Context, in extract.Input) (extract.CommitmentResult, error) {
	months, period, ok := ParseCommitmentMonths(in.Text)
	return extract.CommitmentResult{Months: months, Period: period, Parsed: ok}, nil
}

func (Extractor) ClassifyResume(_ context.Context, in extract.Input) (extract.ResumeResult, error) {
	if in.HasAttachment {
		return extract.ResumeResult{Received: true, FileTypeValid: true}, nil
	}
	lower := strings.ToLower(in.Text)
	for _, p := range guidancePhrases {
		if strings.Contains(lower, p) {
			return extract.ResumeResult{NeedsGuidance: true}, nil
		}
	}
	// A long pasted message is taken as resume content.
	if len(strings.Fields(in.Text)) >= 40 {
		return extract.ResumeResult{Received: true}, nil
	}
	return extract.ResumeResult{}, nil
}

func (Extractor) InterviewDetails(_ context.Context, in extract.Input) (extract.InterviewDetailResult, error) {
	var res extract.InterviewDetailResult
	if m := sgNRICRe.FindString(in.Text); m != "" {
		res.NRIC = strings.ToUpper(m)
	} else if m := myNRICRe.FindString(in.Text); m != "" {
		res.NRIC = m
	}
	if m := nameRe.FindStringSubmatch(in.Text); m != nil {
		res.FullName = strings.TrimSpace(m[1])
	} else if res.NRIC == "" && wantsName(in.MissingFields) && looksLikeName(in.Text) {
		res.FullName = strings.TrimSpace(in.Text)
	}
	return res, nil
}

func wantsName(missing []string) bool {
	for _, f := range missing {
		if f == "full_name" {
			return true
		}
	}
	return false
}

func looksLikeName(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || strings.ContainsAny(text, "0123456789") {
		return false
	}
	words := strings.Fields(text)
	return len(words) >= 2 && len(words) <= 5
}

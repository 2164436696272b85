package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"hireline/internal/config"
	"hireline/internal/domain"
	"hireline/internal/extract"
)

// transition is the computed outcome of one input against one step. A zero
// transition is a pure reply: nothing is persisted on the application row.
type transition struct {
	next         domain.Step       // "" keeps the current step
	status       string            // "" keeps the current status
	fields       map[string]string // merged into collected fields
	reply        string
	advance      bool // resets the attempt counter to zero
	countAttempt bool // increments the attempt counter; ignored when advance
}

func (t transition) mutates() bool {
	return t.next != "" || t.status != "" || len(t.fields) > 0 || t.advance || t.countAttempt
}

type stepHandler func(ctx context.Context, e Engine, app domain.Application, in Inbound) (transition, error)

// stepTable maps every persisted step to its handler. Every value of
// domain.Steps() must be present here.
var stepTable = map[domain.Step]stepHandler{
	domain.StepInitialContact:     handleInitialContact,
	domain.StepConfirmIntent:      handleConfirmIntent,
	domain.StepCommitmentCheck:    handleCommitmentCheck,
	domain.StepRequestResume:      handleRequestResume,
	domain.StepRequestForm:        handleRequestForm,
	domain.StepWaitingFormWebhook: handleWaitingFormWebhook,
	domain.StepWaitingReview:      handleWaitingReview,
	domain.StepInterviewDetails:   handleInterviewDetails,
	domain.StepWaitingBooking:     handleWaitingBooking,
	domain.StepConfirmation:       handleConfirmation,
	domain.StepCompleted:          handleTerminal,
	domain.StepRejected:           handleTerminal,
	domain.StepAbandoned:          handleTerminal,
}

// boundExceeded returns the overflow transition for steps whose attempt
// bound ends the application. Steps without an entry keep re-prompting.
func boundExceeded(step domain.Step) (transition, bool) {
	switch step {
	case domain.StepCommitmentCheck:
		return transition{
			next:    domain.StepRejected,
			status:  "rejected",
			fields:  map[string]string{"rejection_reason": "insufficient_commitment"},
			advance: true,
			reply:   "Thank you for your interest. Unfortunately we require a minimum commitment period for this role, so we won't be proceeding with your application this time. We wish you all the best!",
		}, true
	case domain.StepRequestResume:
		return transition{
			next:    domain.StepAbandoned,
			status:  "abandoned",
			fields:  map[string]string{"abandon_reason": "resume_not_provided"},
			advance: true,
			reply:   "We haven't been able to collect your resume, so we're pausing your application for now. Feel free to reach out to our team if you'd still like to apply.",
		}, true
	}
	return transition{}, false
}

const (
	replyClarifyIntent  = "Hi! Are you messaging about applying for a job with us? Please let me know so I can help you get started."
	replyAskCommitment  = "Great! To get started: how long are you able to commit to this role? For example \"6 months\" or \"1 year\"."
	replyAskResume      = "Thank you! Next, please send over your resume as a document, or paste a summary of your work experience."
	replyResumeGuidance = "No problem if you don't have a resume ready. Just tell me about your recent work experience: where you worked, what you did and for how long."
	replyUnderReview    = "Your application is currently being reviewed by our team. We'll get back to you as soon as there's an update!"
	replyStillClosing   = "Thank you! Your interview is confirmed and your application is complete. We look forward to seeing you!"
	replyTerminalAck    = "Thanks for your message. Your application has already been concluded. If you have questions, please contact our team directly."
)

func handleInitialContact(ctx context.Context, e Engine, app domain.Application, in Inbound) (transition, error) {
	tr, err := intentTransition(ctx, e, in)
	if err != nil {
		return transition{}, err
	}
	if tr.next == "" {
		// First contact always leaves the greeting step, even when intent
		// is still unclear.
		tr.next = domain.StepConfirmIntent
		tr.advance = true
		tr.countAttempt = false
	}
	return tr, nil
}

func handleConfirmIntent(ctx context.Context, e Engine, app domain.Application, in Inbound) (transition, error) {
	return intentTransition(ctx, e, in)
}

func intentTransition(ctx context.Context, e Engine, in Inbound) (transition, error) {
	ctx, cancel := e.extractorContext(ctx)
	defer cancel()
	res, err := e.Extractor.ConfirmIntent(ctx, extract.Input{Text: in.Text})
	if err != nil {
		return transition{}, err
	}
	if res.Confirmed {
		return transition{
			next:    domain.StepCommitmentCheck,
			status:  "in_progress",
			advance: true,
			reply:   replyAskCommitment,
		}, nil
	}
	reply := res.Reply
	if reply == "" {
		reply = replyClarifyIntent
	}
	return transition{countAttempt: true, reply: reply}, nil
}

func handleCommitmentCheck(ctx context.Context, e Engine, app domain.Application, in Inbound) (transition, error) {
	ctx, cancel := e.extractorContext(ctx)
	defer cancel()
	res, err := e.Extractor.CheckCommitment(ctx, extract.Input{Text: in.Text})
	if err != nil {
		return transition{}, err
	}
	if res.Parsed && res.Months >= e.Config.Pipeline.MinCommitmentMonths {
		return transition{
			next:    domain.StepRequestResume,
			advance: true,
			fields: map[string]string{
				"commitment_months": strconv.Itoa(res.Months),
				"commitment_period": res.Period,
			},
			reply: replyAskResume,
		}, nil
	}
	reply := res.Reply
	if reply == "" {
		if res.Parsed {
			reply = fmt.Sprintf("We're looking for candidates who can commit at least %d month(s). Could you let us know if you're able to commit for that long?", e.Config.Pipeline.MinCommitmentMonths)
		} else {
			reply = "Could you tell me how long you can commit to this role? For example \"6 months\" or \"1 year\"."
		}
	}
	return transition{countAttempt: true, reply: reply}, nil
}

func handleRequestResume(ctx context.Context, e Engine, app domain.Application, in Inbound) (transition, error) {
	hasAttachment := in.Kind == domain.KindDocument || in.Kind == domain.KindImage
	ctx, cancel := e.extractorContext(ctx)
	defer cancel()
	res, err := e.Extractor.ClassifyResume(ctx, extract.Input{
		Text:           in.Text,
		HasAttachment:  hasAttachment,
		AttachmentName: in.MediaReference,
	})
	if err != nil {
		return transition{}, err
	}
	if res.Received || hasAttachment {
		ref := in.MediaReference
		if ref == "" {
			ref = "text_resume_in_messages"
		}
		return transition{
			next:    domain.StepRequestForm,
			advance: true,
			fields:  map[string]string{"resume_reference": ref},
			reply:   formRequestReply(e.Config, app),
		}, nil
	}
	if res.NeedsGuidance {
		reply := res.Reply
		if reply == "" {
			reply = replyResumeGuidance
		}
		return transition{reply: reply}, nil
	}
	reply := res.Reply
	if reply == "" {
		reply = "Please send your resume as a PDF or Word document, or paste a summary of your work experience here."
	}
	return transition{countAttempt: true, reply: reply}, nil
}

func handleRequestForm(ctx context.Context, e Engine, app domain.Application, in Inbound) (transition, error) {
	if !matchesCompletionKeyword(e.Config.Pipeline.CompletionKeywords, in.Text) {
		return transition{reply: formReminderReply(e.Config, app)}, nil
	}
	submitted, err := e.Repo.HasWebhookEvent(ctx, app.ID, domain.EventFormSubmitted)
	if err != nil {
		return transition{}, err
	}
	if submitted {
		return formGateClosed(), nil
	}
	// User claims completion but no submission event arrived yet. Remember
	// the claim so the event alone finishes the gate.
	return transition{
		fields: map[string]string{"form_acknowledged": "true"},
		reply:  "Thanks! We haven't received your form submission yet. Please make sure you pressed Submit: " + formLink(e.Config, app),
	}, nil
}

func handleWaitingFormWebhook(ctx context.Context, e Engine, app domain.Application, in Inbound) (transition, error) {
	if matchesCompletionKeyword(e.Config.Pipeline.CompletionKeywords, in.Text) {
		return formGateClosed(), nil
	}
	return transition{reply: "We've received your form submission. Just reply \"done\" to confirm and we'll pass your application to our review team."}, nil
}

// formGateClosed is the dual-confirmation advance: both the user assertion
// and the form_submitted event have been observed.
func formGateClosed() transition {
	return transition{
		next:    domain.StepWaitingReview,
		status:  "form_received_pending_review",
		advance: true,
		fields: map[string]string{
			"form_submitted":    "true",
			"form_acknowledged": "true",
		},
		reply: "Your form has been received and your application is now with our review team. We'll be in touch soon!",
	}
}

func handleWaitingReview(ctx context.Context, e Engine, app domain.Application, in Inbound) (transition, error) {
	return transition{reply: replyUnderReview}, nil
}

func handleInterviewDetails(ctx context.Context, e Engine, app domain.Application, in Inbound) (transition, error) {
	missing := missingDetailFields(app)
	ctx, cancel := e.extractorContext(ctx)
	defer cancel()
	res, err := e.Extractor.InterviewDetails(ctx, extract.Input{Text: in.Text, MissingFields: missing})
	if err != nil {
		return transition{}, err
	}
	fields := map[string]string{}
	if res.FullName != "" && app.Field("full_name") == "" {
		fields["full_name"] = res.FullName
	}
	if res.NRIC != "" && app.Field("nric") == "" {
		fields["nric"] = res.NRIC
	}

	have := func(name string) bool {
		return app.Field(name) != "" || fields[name] != ""
	}
	if have("full_name") && have("nric") {
		return transition{
			next:    domain.StepWaitingBooking,
			advance: true,
			fields:  fields,
			reply:   bookingRequestReply(e.Config, app),
		}, nil
	}

	stillMissing := []string{}
	if !have("full_name") {
		stillMissing = append(stillMissing, "full name")
	}
	if !have("nric") {
		stillMissing = append(stillMissing, "NRIC")
	}
	reply := res.Reply
	if reply == "" {
		reply = "To book your interview, please share your " + strings.Join(stillMissing, " and ") + "."
	}
	if len(fields) > 0 {
		// Partial progress: store what arrived, no attempt counted.
		return transition{fields: fields, reply: reply}, nil
	}
	return transition{countAttempt: true, reply: reply}, nil
}

func missingDetailFields(app domain.Application) []string {
	var missing []string
	if app.Field("full_name") == "" {
		missing = append(missing, "full_name")
	}
	if app.Field("nric") == "" {
		missing = append(missing, "nric")
	}
	return missing
}

func handleWaitingBooking(ctx context.Context, e Engine, app domain.Application, in Inbound) (transition, error) {
	return transition{reply: "Please pick your interview slot here: " + interviewLink(e.Config, app) + ". You'll receive a confirmation once it's booked."}, nil
}

func handleConfirmation(ctx context.Context, e Engine, app domain.Application, in Inbound) (transition, error) {
	return transition{
		next:    domain.StepCompleted,
		status:  "interview_scheduled_finalized",
		advance: true,
		reply:   replyStillClosing,
	}, nil
}

func handleTerminal(ctx context.Context, e Engine, app domain.Application, in Inbound) (transition, error) {
	return transition{reply: replyTerminalAck}, nil
}

var keywordSplit = regexp.MustCompile(`[^a-z]+`)

// matchesCompletionKeyword reports whether the normalized text contains any
// configured completion keyword as a whole word.
func matchesCompletionKeyword(keywords []string, text string) bool {
	words := keywordSplit.Split(strings.ToLower(text), -1)
	for _, w := range words {
		for _, k := range keywords {
			if w == k {
				return true
			}
		}
	}
	return false
}

func formLink(cfg *config.Config, app domain.Application) string {
	link := cfg.Pipeline.FormLink
	if cfg.Pipeline.FormPrefillParam != "" {
		sep := "?"
		if strings.Contains(link, "?") {
			sep = "&"
		}
		link += sep + cfg.Pipeline.FormPrefillParam + "=" + app.ID
	}
	return link
}

func interviewLink(cfg *config.Config, app domain.Application) string {
	return strings.TrimRight(cfg.Pipeline.InterviewLinkBase, "/") + "/" + app.ID
}

func formRequestReply(cfg *config.Config, app domain.Application) string {
	return "Thanks, we've received your resume! The last step is our application form: " + formLink(cfg, app) + "\nReply \"done\" here once you've submitted it."
}

func formReminderReply(cfg *config.Config, app domain.Application) string {
	return "Please fill in our application form when you have a moment: " + formLink(cfg, app) + "\nReply \"done\" once you've submitted it."
}

func bookingRequestReply(cfg *config.Config, app domain.Application) string {
	reply := "Perfect, we have everything we need. Please book your interview slot here: " + interviewLink(cfg, app)
	if cfg.Pipeline.OfficeDirections != "" {
		reply += "\n" + cfg.Pipeline.OfficeDirections
	}
	return reply
}

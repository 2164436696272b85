package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hireline/internal/config"
	"hireline/internal/domain"
	"hireline/internal/events"
	"hireline/internal/repo"
)

// WebhookInput is one external system event after boundary decoding.
type WebhookInput struct {
	EventType     domain.WebhookEventType
	ApplicationID string
	// IdempotencyKey is the caller-supplied key; when empty the dedup key
	// is derived from application id and event type.
	IdempotencyKey string
	RawPayload     string

	// application_review
	Decision string
	Reason   string

	// interview_booked
	InterviewDate string
	BookingCode   string
}

// WebhookOutcome tells the caller what the event did.
type WebhookOutcome string

const (
	OutcomeApplied   WebhookOutcome = "applied"
	OutcomeDuplicate WebhookOutcome = "duplicate"
	OutcomeIgnored   WebhookOutcome = "ignored"
)

func (in WebhookInput) dedupKey() string {
	key := fmt.Sprintf("%s:%s", in.ApplicationID, in.EventType)
	if in.IdempotencyKey != "" {
		key += ":" + in.IdempotencyKey
	}
	return key
}

func (in WebhookInput) validate() error {
	if in.ApplicationID == "" {
		return ValidationError{Msg: "application_id required"}
	}
	switch in.EventType {
	case domain.EventFormSubmitted:
	case domain.EventApplicationReview:
		if in.Decision != "approved" && in.Decision != "rejected" {
			return ValidationError{Msg: "application_review decision must be approved or rejected"}
		}
	case domain.EventInterviewBooked:
		if in.InterviewDate == "" {
			return ValidationError{Msg: "interview_booked requires interview_date"}
		}
		if _, err := time.Parse(time.RFC3339, in.InterviewDate); err != nil {
			return ValidationError{Msg: "interview_date must be RFC3339"}
		}
	default:
		return ValidationError{Msg: fmt.Sprintf("unknown event_type %q", in.EventType)}
	}
	return nil
}

// HandleWebhook records and applies one external event. The event row is
// written before any state change, and its processed flag flips in the same
// transaction as the application update, so a crash between the two is
// repaired by replaying the webhook.
func (e Engine) HandleWebhook(ctx context.Context, in WebhookInput) (WebhookOutcome, error) {
	if err := in.validate(); err != nil {
		return "", err
	}
	now := e.now()

	// Events for applications we don't know are rejected outright; they
	// never leave a row behind.
	app, err := e.Repo.GetApplication(ctx, in.ApplicationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ValidationError{Msg: "unknown application_id"}
		}
		return "", err
	}

	evt, err := e.Repo.InsertWebhookEvent(ctx, nil, domain.WebhookEvent{
		ApplicationID: in.ApplicationID,
		EventType:     in.EventType,
		DedupKey:      in.dedupKey(),
		Payload:       in.RawPayload,
		ReceivedAt:    now.UTC().Format(time.RFC3339),
	})
	switch {
	case errors.Is(err, repo.ErrDuplicateEvent) && evt.Processed:
		e.Logger.Info("duplicate webhook event",
			zap.String("application_id", in.ApplicationID),
			zap.String("event_type", string(in.EventType)),
			zap.String("dedup_key", evt.DedupKey),
		)
		if aerr := e.appendEvent(ctx, "webhook.duplicate", in.ApplicationID, events.EventPayload{"event_type": in.EventType, "dedup_key": evt.DedupKey}); aerr != nil {
			return "", aerr
		}
		return OutcomeDuplicate, nil
	case errors.Is(err, repo.ErrDuplicateEvent):
		// Recorded but never applied: a previous attempt stopped between
		// the insert and the transition. Re-apply under the stored id.
		if aerr := e.appendEvent(ctx, "webhook.received", in.ApplicationID, events.EventPayload{"event_type": in.EventType, "dedup_key": evt.DedupKey, "replay": true}); aerr != nil {
			return "", aerr
		}
	case err != nil:
		return "", fmt.Errorf("record webhook event: %w", err)
	default:
		if aerr := e.appendEvent(ctx, "webhook.received", in.ApplicationID, events.EventPayload{"event_type": in.EventType, "dedup_key": evt.DedupKey}); aerr != nil {
			return "", aerr
		}
	}

	var notify string
	var outcome WebhookOutcome
	for attempt := 0; ; attempt++ {
		tr, ok := webhookTransition(e.Config, app, in)
		if !ok {
			// Out of order for the current step. Keep the record, change
			// nothing.
			e.Logger.Warn("webhook event ignored for current step",
				zap.String("application_id", app.ID),
				zap.String("event_type", string(in.EventType)),
				zap.String("step", string(app.CurrentStep)),
			)
			if err := e.finishIgnored(ctx, evt, app); err != nil {
				return "", err
			}
			outcome = OutcomeIgnored
			break
		}

		err := e.persistWebhookTransition(ctx, app, evt, tr, now)
		if err == nil {
			notify = tr.reply
			outcome = OutcomeApplied
			break
		}
		if errors.Is(err, repo.ErrVersionConflict) && attempt < casRetries {
			app, err = e.Repo.GetApplication(ctx, app.ID)
			if err != nil {
				return "", fmt.Errorf("reload application: %w", err)
			}
			continue
		}
		return "", err
	}

	if notify != "" {
		// Outbound delivery must not block the webhook response.
		channel := app.ChannelIdentity
		go func() {
			sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Sender.Send(sendCtx, channel, notify); err != nil {
				e.Logger.Warn("webhook notification send failed",
					zap.String("application_id", in.ApplicationID),
					zap.Error(err),
				)
			}
		}()
	}
	return outcome, nil
}

func (e Engine) finishIgnored(ctx context.Context, evt domain.WebhookEvent, app domain.Application) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkWebhookProcessed(ctx, tx, evt.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "webhook.ignored", app.ID, events.EventPayload{
		"event_type": evt.EventType,
		"step":       app.CurrentStep,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) persistWebhookTransition(ctx context.Context, app domain.Application, evt domain.WebhookEvent, tr transition, now time.Time) error {
	expected := app.Version
	from := app.CurrentStep
	next := applyTransition(app, tr, now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.CompareAndSwapApplication(ctx, tx, next, expected); err != nil {
		return err
	}
	if err := e.Repo.MarkWebhookProcessed(ctx, tx, evt.ID); err != nil {
		return err
	}
	if tr.reply != "" {
		if err := e.recordOutbound(ctx, tx, next, tr.reply, now); err != nil {
			return err
		}
	}
	evtType := "step.advanced"
	if next.CurrentStep == from {
		evtType = "step.visited"
	}
	if err := e.Events.Append(ctx, tx, evtType, next.ID, events.EventPayload{
		"from":       from,
		"to":         next.CurrentStep,
		"status":     next.Status,
		"event_type": evt.EventType,
	}); err != nil {
		return err
	}
	if next.CurrentStep.Terminal() && next.CurrentStep != from {
		if err := e.Events.Append(ctx, tx, "application."+string(next.CurrentStep), next.ID, events.EventPayload{"status": next.Status}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// webhookTransition computes the state change an event causes at the
// application's current step. ok=false means the event is out of order and
// must be recorded as a no-op.
func webhookTransition(cfg *config.Config, app domain.Application, in WebhookInput) (transition, bool) {
	switch in.EventType {
	case domain.EventFormSubmitted:
		switch app.CurrentStep {
		case domain.StepRequestForm:
			if app.Field("form_acknowledged") == "true" {
				return formGateClosed(), true
			}
			return transition{
				next:    domain.StepWaitingFormWebhook,
				advance: true,
				fields:  map[string]string{"form_submitted": "true"},
				reply:   "We've received your form submission. Just reply \"done\" here to confirm and we'll pass your application to our review team.",
			}, true
		case domain.StepWaitingFormWebhook:
			// A re-submission while already parked: acknowledge again, stay.
			return transition{
				fields: map[string]string{"form_submitted": "true"},
				reply:  "We've received your form submission. Just reply \"done\" here to confirm and we'll pass your application to our review team.",
			}, true
		}
		return transition{}, false

	case domain.EventApplicationReview:
		if app.CurrentStep != domain.StepWaitingReview {
			return transition{}, false
		}
		if in.Decision == "approved" {
			return transition{
				next:    domain.StepInterviewDetails,
				status:  "approved_pending_details",
				advance: true,
				reply:   "Great news, your application has been approved! To book your interview, please share your full name and NRIC.",
			}, true
		}
		fields := map[string]string{}
		if in.Reason != "" {
			fields["rejection_reason"] = in.Reason
		}
		return transition{
			next:    domain.StepRejected,
			status:  "rejected",
			advance: true,
			fields:  fields,
			reply:   "Thank you for applying. After review, we won't be moving forward with your application this time. We wish you all the best!",
		}, true

	case domain.EventInterviewBooked:
		if app.CurrentStep != domain.StepWaitingBooking {
			return transition{}, false
		}
		reply := "Your interview is booked for " + formatInterviewDate(in.InterviewDate)
		if in.BookingCode != "" {
			reply += " (booking code " + in.BookingCode + ")"
		}
		reply += ". Reply here to confirm you'll attend."
		if cfg.Pipeline.OfficeDirections != "" {
			reply += "\n" + cfg.Pipeline.OfficeDirections
		}
		return transition{
			next:    domain.StepConfirmation,
			status:  "interview_scheduled",
			advance: true,
			fields: map[string]string{
				"interview_date": in.InterviewDate,
				"booking_code":   in.BookingCode,
			},
			reply: reply,
		}, true
	}
	return transition{}, false
}

func formatInterviewDate(value string) string {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	return t.Format("Monday, 2 January 2006 at 3:04 PM")
}

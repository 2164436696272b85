// Package engine is the conversation core: it reconciles inbound applicant
// messages and external webhook events against the application store, one
// serialized transition per application at a time.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hireline/internal/config"
	"hireline/internal/dispatch"
	"hireline/internal/domain"
	"hireline/internal/events"
	"hireline/internal/extract"
	"hireline/internal/repo"
)

// casRetries bounds how often a conflicted transition is recomputed against
// the fresh application state before giving up.
const casRetries = 3

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Extractor extract.Extractor
	Sender    dispatch.Sender
	Logger    *zap.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, extractor extract.Extractor, sender dispatch.Sender, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil {
		sender = dispatch.LogSender{Logger: logger}
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Extractor: extractor,
		Sender:    sender,
		Logger:    logger,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// extractorContext bounds one extractor call by the configured latency
// budget. A timeout surfaces before anything is persisted, leaving the
// application in its pre-transition state.
func (e Engine) extractorContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.Config.ExtractorTimeout())
}

// Inbound is one applicant message as delivered by a channel adapter. The
// adapter has already validated any attachment against its content-type
// allow-list; the engine only sees the opaque media reference.
type Inbound struct {
	ChannelIdentity string
	Kind            domain.MessageKind
	Text            string
	MediaReference  string
}

// Result is the outcome of processing one inbound message.
type Result struct {
	ApplicationID string
	Step          domain.Step
	Reply         string
}

// ValidationError rejects input at the boundary before it reaches the
// state machine.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

const (
	replyTransientError = "Sorry, we encountered a system issue. Please try again."
	replyUnknownStep    = "I'm sorry, there seems to be an issue with your application's current state. Our team will look into this and contact you."
)

// HandleMessage advances the application identified by the sender's channel
// identity. The transition is persisted before the outbound reply is
// dispatched, so a crash between the two loses at most a notification.
func (e Engine) HandleMessage(ctx context.Context, in Inbound) (Result, error) {
	if in.ChannelIdentity == "" {
		return Result{}, ValidationError{Msg: "channel_identity required"}
	}
	now := e.now()
	app, created, err := e.Repo.FindOrCreateApplication(ctx, in.ChannelIdentity, now)
	if err != nil {
		return Result{}, fmt.Errorf("find or create application: %w", err)
	}
	if created {
		if err := e.appendEvent(ctx, "application.created", app.ID, events.EventPayload{"channel_identity": app.ChannelIdentity}); err != nil {
			return Result{}, err
		}
	}

	if err := e.Repo.InsertMessage(ctx, nil, domain.Message{
		ApplicationID: app.ID,
		Direction:     "inbound",
		Kind:          in.Kind,
		Content:       inboundContent(in),
		Step:          app.CurrentStep,
		CreatedAt:     now.UTC().Format(time.RFC3339),
	}); err != nil {
		return Result{}, fmt.Errorf("record inbound message: %w", err)
	}

	var reply string
	for attempt := 0; ; attempt++ {
		handler, ok := stepTable[app.CurrentStep]
		if !ok {
			// A persisted step with no registered handler is a data bug.
			e.Logger.Error("application in unknown step",
				zap.String("application_id", app.ID),
				zap.String("step", string(app.CurrentStep)),
			)
			reply = replyUnknownStep
			break
		}

		tr, err := handler(ctx, e, app, in)
		if err != nil {
			var ef *extract.Failure
			if errors.As(err, &ef) {
				e.Logger.Warn("extraction failed",
					zap.String("application_id", app.ID),
					zap.String("step", string(app.CurrentStep)),
					zap.Error(err),
				)
				tr = transition{
					countAttempt: true,
					reply:        "I had trouble processing that. Could you try phrasing it differently?",
				}
			} else {
				return Result{}, err
			}
		}

		tr = e.governAttempts(app, tr)

		if !tr.mutates() {
			reply = tr.reply
			if tr.reply != "" {
				if err := e.recordOutbound(ctx, nil, app, tr.reply, now); err != nil {
					return Result{}, err
				}
			}
			break
		}

		err = e.persistTransition(ctx, app, tr, now)
		if err == nil {
			if tr.next != "" && tr.next != app.CurrentStep {
				app.CurrentStep = tr.next
			}
			reply = tr.reply
			break
		}
		if errors.Is(err, repo.ErrVersionConflict) && attempt < casRetries {
			e.Logger.Debug("transition conflict, retrying",
				zap.String("application_id", app.ID),
				zap.Int("attempt", attempt+1),
			)
			app, err = e.Repo.GetApplication(ctx, app.ID)
			if err != nil {
				return Result{}, fmt.Errorf("reload application: %w", err)
			}
			continue
		}
		return Result{ApplicationID: app.ID, Step: app.CurrentStep, Reply: replyTransientError}, err
	}

	if reply != "" {
		if err := e.Sender.Send(ctx, app.ChannelIdentity, reply); err != nil {
			e.Logger.Warn("outbound send failed",
				zap.String("application_id", app.ID),
				zap.Error(err),
			)
		}
	}
	return Result{ApplicationID: app.ID, Step: app.CurrentStep, Reply: reply}, nil
}

// governAttempts applies the per-step attempt bound: non-advancing counted
// inputs increment the single counter, and reaching the bound replaces the
// computed transition with the step's overflow transition.
func (e Engine) governAttempts(app domain.Application, tr transition) transition {
	if tr.advance || !tr.countAttempt {
		return tr
	}
	bound := e.Config.Pipeline.AttemptBound(app.CurrentStep)
	if bound > 0 && app.Attempts+1 >= bound {
		if overflow, ok := boundExceeded(app.CurrentStep); ok {
			return overflow
		}
	}
	return tr
}

// persistTransition applies one transition atomically: application CAS,
// outbound message log and audit event commit together or not at all.
func (e Engine) persistTransition(ctx context.Context, app domain.Application, tr transition, now time.Time) error {
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
	if tr.reply != "" {
		if err := e.recordOutbound(ctx, tx, next, tr.reply, now); err != nil {
			return err
		}
	}
	evtType := "step.advanced"
	if next.CurrentStep == from {
		evtType = "step.visited"
	}
	payload := events.EventPayload{"from": from, "to": next.CurrentStep, "status": next.Status}
	if err := e.Events.Append(ctx, tx, evtType, next.ID, payload); err != nil {
		return err
	}
	if next.CurrentStep.Terminal() && next.CurrentStep != from {
		if err := e.Events.Append(ctx, tx, "application."+string(next.CurrentStep), next.ID, events.EventPayload{"status": next.Status}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// applyTransition computes the post-transition application. The counter
// only ever resets to zero on advance or increments on a counted
// non-advance.
func applyTransition(a domain.Application, tr transition, now time.Time) domain.Application {
	if tr.next != "" {
		a.CurrentStep = tr.next
	}
	if tr.advance {
		a.Attempts = 0
	} else if tr.countAttempt {
		a.Attempts++
	}
	if tr.status != "" {
		a.Status = tr.status
	}
	if len(tr.fields) > 0 {
		fields := make(map[string]string, len(a.Fields)+len(tr.fields))
		for k, v := range a.Fields {
			fields[k] = v
		}
		for k, v := range tr.fields {
			fields[k] = v
		}
		a.Fields = fields
	}
	a.UpdatedAt = now.UTC().Format(time.RFC3339)
	return a
}

func (e Engine) recordOutbound(ctx context.Context, tx *sql.Tx, app domain.Application, text string, now time.Time) error {
	return e.Repo.InsertMessage(ctx, tx, domain.Message{
		ApplicationID: app.ID,
		Direction:     "outbound",
		Kind:          domain.KindText,
		Content:       text,
		Step:          app.CurrentStep,
		CreatedAt:     now.UTC().Format(time.RFC3339),
	})
}

func (e Engine) appendEvent(ctx context.Context, evtType, applicationID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, applicationID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func inboundContent(in Inbound) string {
	switch in.Kind {
	case domain.KindDocument, domain.KindImage:
		if in.MediaReference != "" {
			return in.MediaReference
		}
		return string(in.Kind) + "_received"
	default:
		return in.Text
	}
}

package domain

// Step identifies a state in the applicant pipeline. Every persisted
// Application carries a Step that has a registered handler in the engine.
type Step string

const (
	StepInitialContact     Step = "initial_contact"
	StepConfirmIntent      Step = "confirm_intent"
	StepCommitmentCheck    Step = "commitment_check"
	StepRequestResume      Step = "request_resume"
	StepRequestForm        Step = "request_form"
	StepWaitingFormWebhook Step = "waiting_form_webhook"
	StepWaitingReview      Step = "waiting_review"
	StepInterviewDetails   Step = "request_interview_details"
	StepWaitingBooking     Step = "waiting_booking_webhook"
	StepConfirmation       Step = "confirmation"
	StepCompleted          Step = "completed"
	StepRejected           Step = "rejected"
	StepAbandoned          Step = "abandoned"
)

// Steps lists every step in pipeline order, side exits last.
func Steps() []Step {
	return []Step{
		StepInitialContact,
		StepConfirmIntent,
		StepCommitmentCheck,
		StepRequestResume,
		StepRequestForm,
		StepWaitingFormWebhook,
		StepWaitingReview,
		StepInterviewDetails,
		StepWaitingBooking,
		StepConfirmation,
		StepCompleted,
		StepRejected,
		StepAbandoned,
	}
}

// Terminal reports whether the step accepts no further field mutation.
func (s Step) Terminal() bool {
	return s == StepCompleted || s == StepRejected || s == StepAbandoned
}

type Application struct {
	ID              string            `json:"id"`
	ChannelIdentity string            `json:"channel_identity"`
	CurrentStep     Step              `json:"current_step" enum:"initial_contact,confirm_intent,commitment_check,request_resume,request_form,waiting_form_webhook,waiting_review,request_interview_details,waiting_booking_webhook,confirmation,completed,rejected,abandoned"`
	Status          string            `json:"status"`
	Fields          map[string]string `json:"collected_fields,omitempty"`
	Attempts        int               `json:"attempts_counter"`
	Version         int64             `json:"version"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
	UpdatedAt       string            `json:"updated_at" format:"date-time"`
}

// Field returns a collected field value, empty when absent.
func (a Application) Field(name string) string {
	if a.Fields == nil {
		return ""
	}
	return a.Fields[name]
}

// MessageKind is the inbound payload kind as classified by the channel adapter.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindDocument MessageKind = "document"
	KindImage    MessageKind = "image"
)

type Message struct {
	ID            string      `json:"id"`
	ApplicationID string      `json:"application_id"`
	Direction     string      `json:"direction" enum:"inbound,outbound"`
	Kind          MessageKind `json:"kind"`
	Content       string      `json:"content"`
	Step          Step        `json:"step"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
}

// WebhookEventType enumerates the external events the engine reconciles.
type WebhookEventType string

const (
	EventFormSubmitted     WebhookEventType = "form_submitted"
	EventApplicationReview WebhookEventType = "application_review"
	EventInterviewBooked   WebhookEventType = "interview_booked"
)

type WebhookEvent struct {
	ID            string           `json:"id"`
	ApplicationID string           `json:"application_id"`
	EventType     WebhookEventType `json:"event_type"`
	DedupKey      string           `json:"dedup_key"`
	Payload       string           `json:"payload_json"`
	Processed     bool             `json:"processed"`
	ReceivedAt    string           `json:"received_at" format:"date-time"`
}

type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	ApplicationID string `json:"application_id,omitempty"`
	Payload       string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Issuer    string `json:"issuer"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

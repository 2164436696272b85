package server

import (
	"hireline/internal/domain"
)

// Request payloads

type SendMessageRequest struct {
	ChannelIdentity string `json:"channel_identity"`
	Kind            string `json:"kind,omitempty" enum:"text,document,image"`
	Text            string `json:"text,omitempty"`
	MediaReference  string `json:"media_reference,omitempty"`
}

type WebhookRequest struct {
	EventType     string         `json:"event_type" enum:"form_submitted,application_review,interview_booked"`
	ApplicationID string         `json:"application_id"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Response payloads

type SendMessageResponse struct {
	ApplicationID string `json:"application_id"`
	Step          string `json:"step"`
	Reply         string `json:"reply,omitempty"`
}

type WebhookResponse struct {
	Status string `json:"status" enum:"applied,duplicate,ignored"`
}

type ApplicationResponse struct {
	ID              string            `json:"id"`
	ChannelIdentity string            `json:"channel_identity"`
	CurrentStep     string            `json:"current_step"`
	Status          string            `json:"status"`
	CollectedFields map[string]string `json:"collected_fields,omitempty"`
	Attempts        int               `json:"attempts_counter"`
	Version         int64             `json:"version"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
	UpdatedAt       string            `json:"updated_at" format:"date-time"`
}

type MessageResponse struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id"`
	Direction     string `json:"direction" enum:"inbound,outbound"`
	Kind          string `json:"kind" enum:"text,document,image"`
	Content       string `json:"content"`
	Step          string `json:"step"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	ApplicationID string `json:"application_id,omitempty"`
	Payload       string `json:"payload_json"`
}

func applicationResponse(a domain.Application) ApplicationResponse {
	return ApplicationResponse{
		ID:              a.ID,
		ChannelIdentity: a.ChannelIdentity,
		CurrentStep:     string(a.CurrentStep),
		Status:          a.Status,
		CollectedFields: a.Fields,
		Attempts:        a.Attempts,
		Version:         a.Version,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func mapApplications(items []domain.Application) []ApplicationResponse {
	res := make([]ApplicationResponse, 0, len(items))
	for _, a := range items {
		res = append(res, applicationResponse(a))
	}
	return res
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:            m.ID,
		ApplicationID: m.ApplicationID,
		Direction:     m.Direction,
		Kind:          string(m.Kind),
		Content:       m.Content,
		Step:          string(m.Step),
		CreatedAt:     m.CreatedAt,
	}
}

func mapMessages(items []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:            e.ID,
			TS:            e.TS,
			Type:          e.Type,
			ApplicationID: e.ApplicationID,
			Payload:       e.Payload,
		})
	}
	return res
}

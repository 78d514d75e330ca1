package main

import (
	"encoding/json"
	"log/slog"
)

// WebhookEnvelope is the body of one Kontent.ai delivery. It is decoded
// only to produce log lines; the forwarded payload is the raw JSON.
type WebhookEnvelope struct {
	Notifications []Notification `json:"notifications"`
}

// Notification is a single change event inside an envelope.
type Notification struct {
	Data    NotificationData    `json:"data"`
	Message NotificationMessage `json:"message"`
}

type NotificationData struct {
	System *SystemInfo `json:"system,omitempty"`
}

// SystemInfo identifies the changed object. Every field is optional and
// left unvalidated; last_modified stays a string so odd timestamps do not
// break decoding.
type SystemInfo struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	Codename     string `json:"codename,omitempty"`
	Collection   string `json:"collection,omitempty"`
	Workflow     string `json:"workflow,omitempty"`
	WorkflowStep string `json:"workflow_step,omitempty"`
	Language     string `json:"language,omitempty"`
	Type         string `json:"type,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// NotificationMessage carries delivery metadata. Never branched on.
type NotificationMessage struct {
	EnvironmentID string `json:"environment_id,omitempty"`
	ObjectType    string `json:"object_type,omitempty"`
	Action        string `json:"action,omitempty"`
	DeliverySlot  string `json:"delivery_slot,omitempty"`
}

// decodeEnvelope is best effort: a body that is valid JSON but not shaped
// like an envelope yields an empty envelope.
func decodeEnvelope(raw []byte) WebhookEnvelope {
	var env WebhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return WebhookEnvelope{}
	}
	return env
}

// logSummary writes one line per notification.
func (e WebhookEnvelope) logSummary(logger *slog.Logger) {
	for i, n := range e.Notifications {
		attrs := []any{
			"index", i,
			"object_type", n.Message.ObjectType,
			"action", n.Message.Action,
			"delivery_slot", n.Message.DeliverySlot,
			"environment_id", n.Message.EnvironmentID,
		}
		if sys := n.Data.System; sys != nil {
			attrs = append(attrs,
				"object_id", sys.ID,
				"object_name", sys.Name,
				"codename", sys.Codename,
				"last_modified", sys.LastModified,
			)
		}
		logger.Info("notification", attrs...)
	}
}

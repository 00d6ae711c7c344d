package notify

import (
	"log"

	"github.com/docforge/engine/internal/model"
)

// Gateway receives typed lifecycle events and routes them to the project
// owner. Delivery is a fire-and-forget side channel: failures never block job
// progress. Policy for undeliverable events: one attempt, then drop.
type Gateway interface {
	SendJobNotificationEvent(payload *model.NotificationPayload, targetUserID string)
	// SendDocumentCentricNotification carries the PLAN-scoped subset of the
	// envelope; ModelID and DocumentKey are cleared before delivery.
	SendDocumentCentricNotification(payload *model.NotificationPayload, targetUserID string)
}

// Service delivers lifecycle events over the websocket hub.
type Service struct {
	hub *Hub
}

// NewService creates a notification service backed by hub.
func NewService(hub *Hub) *Service {
	return &Service{hub: hub}
}

// SendJobNotificationEvent delivers one event to targetUserID. An empty
// target suppresses the send entirely; events are never sent to a null
// target.
func (s *Service) SendJobNotificationEvent(payload *model.NotificationPayload, targetUserID string) {
	if targetUserID == "" {
		log.Printf("Suppressing %s notification for job %s: no target user", payload.Type, payload.JobID)
		return
	}
	s.hub.Publish(targetUserID, payload)
}

// SendDocumentCentricNotification delivers a PLAN-scoped event. PLAN jobs are
// not model- or document-scoped, so those fields are stripped.
func (s *Service) SendDocumentCentricNotification(payload *model.NotificationPayload, targetUserID string) {
	scoped := *payload
	scoped.ModelID = ""
	scoped.DocumentKey = ""
	s.SendJobNotificationEvent(&scoped, targetUserID)
}

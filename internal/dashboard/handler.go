// Package dashboard: event handling and message formatting.
package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shelfsync/shelfsync/internal/syncer"
)

// StatusData is the broadcast form of a status transition.
type StatusData struct {
	Status  syncer.SyncStatus `json:"status"`
	Message string            `json:"message,omitempty"`
}

// SyncCompleteData carries sync completion information.
type SyncCompleteData struct {
	Message string `json:"message"`
}

// QueueData carries offline queue information.
type QueueData struct {
	Pending int    `json:"pending"`
	Message string `json:"message,omitempty"`
}

// ReloadData identifies the document whose view must reload.
type ReloadData struct {
	Document string `json:"document"`
	Message  string `json:"message,omitempty"`
}

// Handler bridges orchestrator events to the WebSocket server.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates an event handler connected to a dashboard server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// HandleEvent formats and broadcasts one orchestrator event. Wire it
// with Syncer.SetEventHandler.
func (h *Handler) HandleEvent(ev syncer.Event) {
	switch ev.Kind {
	case syncer.EventStatusChanged:
		h.send(MessageTypeStatus, StatusData{Status: ev.Status, Message: ev.Message})

	case syncer.EventSyncComplete:
		h.send(MessageTypeSyncComplete, SyncCompleteData{Message: ev.Message})

	case syncer.EventQueued:
		h.send(MessageTypeQueue, QueueData{Pending: ev.Pending, Message: ev.Message})

	case syncer.EventReloadRequired:
		h.send(MessageTypeReloadRequired, ReloadData{
			Document: ev.Ref.String(),
			Message:  ev.Message,
		})

	default:
		h.logger.Printf("Unknown event kind: %s", ev.Kind)
	}
}

// send marshals the payload and broadcasts it.
func (h *Handler) send(typ MessageType, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/db"
	"github.com/ocgsync/syncd/internal/notifications"
)

const (
	maxEnqueueBody    = 10 << 20
	maxRecipients     = 500
	maxAttachments    = 10
	bearerTokenPrefix = "Bearer "
)

// NotificationQueue stores notifications for the delivery workers.
type NotificationQueue interface {
	EnqueueNotification(ctx context.Context, kind string, recipients []string, templateData json.RawMessage, attachments []db.Attachment) ([]uuid.UUID, error)
}

// EnqueueRequest represents the incoming request body
type EnqueueRequest struct {
	Kind         string              `json:"kind"`
	Recipients   []string            `json:"recipients"`
	TemplateData json.RawMessage     `json:"template_data"`
	Attachments  []AttachmentRequest `json:"attachments,omitempty"`
}

// AttachmentRequest carries base64 encoded content.
type AttachmentRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// EnqueueResponse is returned after queueing notifications
type EnqueueResponse struct {
	IDs []string `json:"ids"`
}

// NotificationsHandler accepts notifications from the platform.
type NotificationsHandler struct {
	logger *zap.Logger
	queue  NotificationQueue
	token  []byte
}

// NewNotificationsHandler creates a handler that requires apiToken as a
// bearer token. An empty token rejects every request.
func NewNotificationsHandler(logger *zap.Logger, queue NotificationQueue, apiToken string) *NotificationsHandler {
	return &NotificationsHandler{
		logger: logger,
		queue:  queue,
		token:  []byte(apiToken),
	}
}

// Enqueue handles POST /notifications
func (h *NotificationsHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.authorized(r) {
		writeProblem(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing token", "")
		return
	}

	var req EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnqueueBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "invalid_request", "Body too large", "")
			return
		}
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	recipients, err := validateEnqueue(&req)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid notification", err.Error())
		return
	}

	attachments := make([]db.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, db.NewAttachment(a.FileName, a.ContentType, a.Data))
	}

	ids, err := h.queue.EnqueueNotification(ctx, req.Kind, recipients, req.TemplateData, attachments)
	if err != nil {
		h.logger.Error("failed to enqueue notification",
			zap.Error(err),
			zap.String("kind", req.Kind),
			zap.Int("recipients", len(recipients)),
		)
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to enqueue notification", "")
		return
	}

	h.logger.Info("notifications enqueued",
		zap.String("kind", req.Kind),
		zap.Int("count", len(ids)),
		zap.Int("attachments", len(attachments)),
	)

	resp := EnqueueResponse{IDs: make([]string, 0, len(ids))}
	for _, id := range ids {
		resp.IDs = append(resp.IDs, id.String())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *NotificationsHandler) authorized(r *http.Request) bool {
	if len(h.token) == 0 {
		return false
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, bearerTokenPrefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(auth, bearerTokenPrefix)), h.token) == 1
}

// validateEnqueue checks the request and returns the normalized recipient
// addresses. Template data is rendered once so bad data is rejected here
// instead of failing in the worker.
func validateEnqueue(req *EnqueueRequest) ([]string, error) {
	if len(req.Recipients) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	if len(req.Recipients) > maxRecipients {
		return nil, fmt.Errorf("at most %d recipients per request", maxRecipients)
	}
	if len(req.Attachments) > maxAttachments {
		return nil, fmt.Errorf("at most %d attachments per request", maxAttachments)
	}

	if _, err := notifications.Render(notifications.Kind(req.Kind), req.TemplateData); err != nil {
		return nil, err
	}

	recipients := make([]string, 0, len(req.Recipients))
	seen := make(map[string]bool, len(req.Recipients))
	for _, raw := range req.Recipients {
		addr, err := mail.ParseAddress(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q", raw)
		}
		key := strings.ToLower(addr.Address)
		if seen[key] {
			continue
		}
		seen[key] = true
		recipients = append(recipients, addr.Address)
	}

	for i, a := range req.Attachments {
		if strings.TrimSpace(a.FileName) == "" || len(a.Data) == 0 {
			return nil, fmt.Errorf("attachment %d needs file_name and data", i)
		}
	}

	return recipients, nil
}

package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/db"
	"github.com/ocgsync/syncd/internal/metrics"
)

const (
	// maxTimestampSkew bounds how old or early a signed request may be.
	maxTimestampSkew = 300 * time.Second

	maxWebhookBody = 1 << 20

	eventURLValidation    = "endpoint.url_validation"
	eventRecordingDone    = "recording.completed"
	signatureHeader       = "x-zm-signature"
	signatureTimestampHdr = "x-zm-request-timestamp"
)

// RecordingStore stores recording links reported by the provider.
type RecordingStore interface {
	UpdateMeetingRecordingURL(ctx context.Context, providerMeetingID, recordingURL string) error
}

// Deduper remembers delivered webhook events.
type Deduper interface {
	FirstDelivery(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler serves the provider webhook.
type Handler struct {
	logger  *zap.Logger
	store   RecordingStore
	secret  []byte
	deduper Deduper // nil if Redis not configured
	now     func() time.Time
}

func NewHandler(logger *zap.Logger, store RecordingStore, webhookSecret string) *Handler {
	return &Handler{
		logger: logger,
		store:  store,
		secret: []byte(webhookSecret),
		now:    time.Now,
	}
}

// NewHandlerWithDedup creates a handler that drops redelivered events.
func NewHandlerWithDedup(logger *zap.Logger, store RecordingStore, webhookSecret string, deduper Deduper) *Handler {
	h := NewHandler(logger, store, webhookSecret)
	h.deduper = deduper
	return h
}

type zoomEvent struct {
	Event   string          `json:"event"`
	EventTS int64           `json:"event_ts"`
	Payload json.RawMessage `json:"payload"`
}

type urlValidationPayload struct {
	PlainToken string `json:"plainToken"`
}

type urlValidationResponse struct {
	PlainToken     string `json:"plainToken"`
	EncryptedToken string `json:"encryptedToken"`
}

type recordingPayload struct {
	Object struct {
		ID       json.Number `json:"id"`
		UUID     string      `json:"uuid"`
		ShareURL string      `json:"share_url"`
	} `json:"object"`
}

// ZoomWebhook handles POST /webhooks/zoom
func (h *Handler) ZoomWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", "")
		return
	}
	if len(body) > maxWebhookBody {
		h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Body too large", "")
		return
	}

	if err := h.verifySignature(r.Header, body); err != nil {
		metrics.RecordWebhookEvent("unknown", "rejected")
		h.logger.Warn("webhook signature rejected",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
		)
		h.writeError(w, http.StatusUnauthorized, "invalid_signature", "Invalid webhook signature", err.Error())
		return
	}

	var event zoomEvent
	if err := json.Unmarshal(body, &event); err != nil || event.Event == "" {
		metrics.RecordWebhookEvent("unknown", "invalid")
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed event", "")
		return
	}

	if event.Event == eventURLValidation {
		h.validateURL(w, event)
		return
	}

	switch event.Event {
	case eventRecordingDone:
		h.recordingCompleted(ctx, event)
	default:
		metrics.RecordWebhookEvent(event.Event, "ignored")
		h.logger.Debug("ignoring webhook event", zap.String("event", event.Event))
	}

	w.WriteHeader(http.StatusNoContent)
}

// verifySignature checks x-zm-signature = "v0=" + hex(HMAC-SHA256(secret,
// "v0:{timestamp}:{body}")) and that the timestamp is within the allowed skew.
func (h *Handler) verifySignature(header http.Header, body []byte) error {
	if len(h.secret) == 0 {
		return errors.New("webhook secret not configured")
	}
	tsHeader := header.Get(signatureTimestampHdr)
	signature := header.Get(signatureHeader)
	if tsHeader == "" || signature == "" {
		return errors.New("missing signature headers")
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", tsHeader)
	}
	skew := h.now().Unix() - ts
	if limit := int64(maxTimestampSkew.Seconds()); skew > limit || skew < -limit {
		return fmt.Errorf("timestamp outside allowed window (%ds)", skew)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte("v0:" + tsHeader + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func (h *Handler) validateURL(w http.ResponseWriter, event zoomEvent) {
	var p urlValidationPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil || p.PlainToken == "" {
		metrics.RecordWebhookEvent(event.Event, "invalid")
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing plainToken", "")
		return
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(p.PlainToken))

	metrics.RecordWebhookEvent(event.Event, "processed")
	h.writeJSON(w, http.StatusOK, urlValidationResponse{
		PlainToken:     p.PlainToken,
		EncryptedToken: hex.EncodeToString(mac.Sum(nil)),
	})
}

// recordingCompleted stores the share link. It never fails the request: the
// meeting may be unknown here, and a database outage is logged instead.
func (h *Handler) recordingCompleted(ctx context.Context, event zoomEvent) {
	var p recordingPayload
	dec := json.NewDecoder(bytes.NewReader(event.Payload))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil || p.Object.ID == "" || p.Object.ShareURL == "" {
		metrics.RecordWebhookEvent(event.Event, "invalid")
		h.logger.Warn("recording event without meeting id or share url")
		return
	}

	meetingID := p.Object.ID.String()
	logger := h.logger.With(
		zap.String("event", event.Event),
		zap.String("provider_meeting_id", meetingID),
	)

	dedupKey := fmt.Sprintf("%s:%s:%d", event.Event, meetingID, event.EventTS)
	if !h.firstDelivery(ctx, dedupKey, logger) {
		metrics.RecordWebhookEvent(event.Event, "duplicate")
		logger.Info("duplicate webhook event dropped")
		return
	}

	err := h.store.UpdateMeetingRecordingURL(ctx, meetingID, p.Object.ShareURL)
	switch {
	case err == nil:
		metrics.RecordWebhookEvent(event.Event, "processed")
	case errors.Is(err, db.ErrMeetingNotFound):
		metrics.RecordWebhookEvent(event.Event, "ignored")
		logger.Info("recording for unknown meeting ignored")
	default:
		metrics.RecordWebhookEvent(event.Event, "failed")
		logger.Error("failed to store recording url", zap.Error(err))
		h.forget(ctx, dedupKey, logger)
	}
}

// firstDelivery fails open when the dedup store is unavailable.
func (h *Handler) firstDelivery(ctx context.Context, key string, logger *zap.Logger) bool {
	if h.deduper == nil {
		return true
	}
	first, err := h.deduper.FirstDelivery(ctx, key)
	if err != nil {
		logger.Warn("webhook dedup unavailable, processing event", zap.Error(err))
		return true
	}
	return first
}

func (h *Handler) forget(ctx context.Context, key string, logger *zap.Logger) {
	if h.deduper == nil {
		return
	}
	if err := h.deduper.Forget(ctx, key); err != nil {
		logger.Warn("failed to release webhook dedup key", zap.Error(err))
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

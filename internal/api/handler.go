package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/command"
	"github.com/lalith-99/courier/internal/db"
	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
	"github.com/lalith-99/courier/internal/notification"
)

// SendRequest is the POST /v1/notifications body.
type SendRequest struct {
	Recipient struct {
		Email      string                   `json:"email,omitempty"`
		Phone      string                   `json:"phone,omitempty"`
		PushTarget *notification.PushTarget `json:"push_target,omitempty"`
		Locale     string                   `json:"locale,omitempty"`
		TimeZone   string                   `json:"time_zone,omitempty"`
	} `json:"recipient"`
	Channels []string `json:"channels"`
	Content  struct {
		Subject   string              `json:"subject,omitempty"`
		Text      string              `json:"text,omitempty"`
		HTML      string              `json:"html,omitempty"`
		PushTitle string              `json:"push_title,omitempty"`
		PushBody  string              `json:"push_body,omitempty"`
		PushData  map[string]any      `json:"push_data,omitempty"`
		Template  *domain.TemplateRef `json:"template,omitempty"`
		Variables map[string]any      `json:"variables,omitempty"`
	} `json:"content"`
	AddressOverrides      map[string]json.RawMessage `json:"address_overrides,omitempty"`
	CorrelationID         string                     `json:"correlation_id,omitempty"`
	Tags                  []string                   `json:"tags,omitempty"`
	Schedule              *notification.Schedule     `json:"schedule,omitempty"`
	DispatchSynchronously bool                       `json:"dispatch_synchronously,omitempty"`
}

// SendResponse is returned after a successful SendNow.
type SendResponse struct {
	NotificationID string   `json:"notification_id"`
	DeliveryIDs    []string `json:"delivery_ids"`
}

// DeliveryResponse is the read view of one delivery. The address is
// exposed in its PII-masked form only.
type DeliveryResponse struct {
	ID                string              `json:"id"`
	NotificationID    string              `json:"notification_id"`
	Channel           string              `json:"channel"`
	Provider          string              `json:"provider"`
	Status            string              `json:"status"`
	Address           map[string]any      `json:"address"`
	AttemptCount      int                 `json:"attempt_count"`
	LastError         *delivery.ErrorInfo `json:"last_error,omitempty"`
	NextRetryAt       *time.Time          `json:"next_retry_at,omitempty"`
	DeadLetteredAt    *time.Time          `json:"dead_lettered_at,omitempty"`
	ProviderMessageID string              `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// DeliveryReader loads a delivery for the read endpoints.
type DeliveryReader interface {
	Get(ctx context.Context, id uuid.UUID) (*delivery.Delivery, error)
}

// NotificationReader loads a notification for the read endpoints.
type NotificationReader interface {
	Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	sendNow    *command.SendNowHandler
	cancel     *command.CancelNotificationHandler
	deliveries DeliveryReader
	notifRepo  NotificationReader
}

// NewHandler creates a new API handler
func NewHandler(
	logger *zap.Logger,
	sendNow *command.SendNowHandler,
	cancel *command.CancelNotificationHandler,
	deliveries DeliveryReader,
	notifRepo NotificationReader,
) *Handler {
	return &Handler{
		logger:     logger,
		sendNow:    sendNow,
		cancel:     cancel,
		deliveries: deliveries,
		notifRepo:  notifRepo,
	}
}

// SendNotification handles POST /v1/notifications.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	cmd, err := h.buildCommand(req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
		return
	}

	result, err := h.sendNow.Handle(ctx, cmd)
	if err != nil {
		if domain.IsInvariantViolation(err) {
			h.writeError(w, http.StatusUnprocessableEntity, "invariant_violation", "Request violates a domain rule", err.Error())
			return
		}
		h.logger.Error("send now failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to accept notification", "")
		return
	}

	deliveryIDs := make([]string, len(result.DeliveryIDs))
	for i, id := range result.DeliveryIDs {
		deliveryIDs[i] = id.String()
	}

	h.logger.Info("notification accepted",
		zap.String("notification_id", result.NotificationID.String()),
		zap.Strings("channels", req.Channels),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(SendResponse{
		NotificationID: result.NotificationID.String(),
		DeliveryIDs:    deliveryIDs,
	})
}

// buildCommand validates the DTO through the domain constructors.
func (h *Handler) buildCommand(req SendRequest, idempotencyKey string) (command.SendNowCommand, error) {
	var cmd command.SendNowCommand

	recipient, err := notification.NewRecipient(
		req.Recipient.Email,
		req.Recipient.Phone,
		req.Recipient.PushTarget,
		req.Recipient.Locale,
		req.Recipient.TimeZone,
	)
	if err != nil {
		return cmd, err
	}

	channels, err := notification.NewChannelSet(req.Channels...)
	if err != nil {
		return cmd, err
	}

	var content notification.Content
	if req.Content.Template != nil {
		content, err = notification.NewTemplateContent(*req.Content.Template, req.Content.Variables)
	} else {
		content, err = notification.NewInlineContent(
			req.Content.Subject,
			req.Content.Text,
			req.Content.HTML,
			req.Content.PushTitle,
			req.Content.PushBody,
			req.Content.PushData,
		)
	}
	if err != nil {
		return cmd, err
	}

	var correlationID uuid.UUID
	if req.CorrelationID != "" {
		correlationID, err = uuid.Parse(req.CorrelationID)
		if err != nil {
			return cmd, domain.Invariant("correlation_id must be a valid UUID")
		}
	}

	overrides := make(map[domain.Channel]delivery.Address, len(req.AddressOverrides))
	for name, raw := range req.AddressOverrides {
		ch, err := domain.ParseChannel(name)
		if err != nil {
			return cmd, err
		}
		var addr delivery.Address
		if err := json.Unmarshal(raw, &addr); err != nil {
			return cmd, domain.Invariant("address override for channel %q is invalid: %v", name, err)
		}
		overrides[ch] = addr
	}

	return command.SendNowCommand{
		Recipient:             recipient,
		Channels:              channels,
		Content:               content,
		AddressOverrides:      overrides,
		CorrelationID:         correlationID,
		IdempotencyKey:        idempotencyKey,
		Tags:                  req.Tags,
		Schedule:              req.Schedule,
		DispatchSynchronously: req.DispatchSynchronously,
	}, nil
}

// GetDelivery handles GET /v1/deliveries/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delivery ID", "ID must be a valid UUID")
		return
	}

	d, err := h.deliveries.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", "")
			return
		}
		h.logger.Error("failed to get delivery", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load delivery", "")
		return
	}

	rec := d.ToRecord()
	resp := DeliveryResponse{
		ID:                rec.ID.String(),
		NotificationID:    rec.NotificationID.String(),
		Channel:           rec.Channel.String(),
		Provider:          rec.Provider,
		Status:            string(rec.Status),
		Address:           rec.Address.Safe(),
		AttemptCount:      rec.AttemptCount,
		LastError:         rec.LastError,
		NextRetryAt:       rec.NextRetryAt,
		DeadLetteredAt:    rec.DeadLetteredAt,
		ProviderMessageID: rec.ProviderMessageID,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	n, err := h.notifRepo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":         n.ID().String(),
		"status":     string(n.Status()),
		"channels":   n.Channels().Names(),
		"schedule":   n.Schedule(),
		"tags":       n.Tags(),
		"created_at": n.CreatedAt(),
		"updated_at": n.UpdatedAt(),
	})
}

// CancelNotification handles POST /v1/notifications/{id}/cancel
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.cancel.Handle(ctx, id, req.Reason); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		case domain.IsInvariantViolation(err):
			h.writeError(w, http.StatusConflict, "invariant_violation", "Notification cannot be cancelled", err.Error())
		default:
			h.logger.Error("failed to cancel notification", zap.Error(err), zap.String("id", idStr))
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to cancel notification", "")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": string(notification.StatusCancelled),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

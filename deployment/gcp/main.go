package gcp

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	rotation "credential-rotator/db-rotation"
	"credential-rotator/db-rotation/app"
	"credential-rotator/db-rotation/config"
)

// eventRotate is the Secret Manager notification sent when a rotation is due.
const eventRotate = "SECRET_ROTATE"

// pushEnvelope is the body of a Pub/Sub push delivery.
type pushEnvelope struct {
	Message struct {
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Handler rotates the secret named in Secret Manager rotation notifications.
type Handler struct {
	app    *app.App
	logger zerolog.Logger
}

// creates a new Handler.
func NewHandler(a *app.App) *Handler {
	return &Handler{app: a, logger: a.Logger}
}

// ServeHTTP acknowledges every delivery except a rotation that failed with a
// retryable error, which Pub/Sub then redelivers.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var envelope pushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, "invalid push message", http.StatusBadRequest)
		return
	}

	attrs := envelope.Message.Attributes
	logger := h.logger.With().
		Str("message_id", envelope.Message.MessageID).
		Str("event_type", attrs["eventType"]).
		Logger()

	if attrs["eventType"] != eventRotate {
		logger.Debug().Msg("ignoring secret event")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	secretID := attrs["secretId"]
	if secretID == "" {
		logger.Warn().Msg("rotation event without secretId")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx := r.Context()
	defer h.app.PushMetrics(ctx)

	token, err := h.app.Runner.Rotate(ctx, secretID)
	if err != nil {
		retry := rotation.Retryable(err)
		logger.Error().Err(err).Str("secret_id", secretID).Bool("retryable", retry).Msg("rotation failed")
		if retry {
			http.Error(w, "rotation failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	logger.Info().Str("secret_id", secretID).Str("token", token).Msg("secret rotated")
	w.WriteHeader(http.StatusOK)
}

var (
	initOnce sync.Once
	handler  http.Handler
	initErr  error
)

// RotateSecret is the Cloud Function entry point. Configuration is passed via
// environment variables in the Cloud Function.
func RotateSecret(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		cfg, err := config.FromEnv()
		if err != nil {
			initErr = err
			return
		}
		cfg.Provider = config.ProviderGCP
		a, err := app.New(r.Context(), cfg)
		if err != nil {
			initErr = err
			return
		}
		handler = NewHandler(a)
	})
	if initErr != nil {
		log.Error().Err(initErr).Msg("failed to initialize rotator")
		http.Error(w, "rotator is not configured", http.StatusInternalServerError)
		return
	}
	handler.ServeHTTP(w, r)
}

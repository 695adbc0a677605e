package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pausely/pausely/internal/auth"
	"github.com/pausely/pausely/internal/feedback"
	"github.com/pausely/pausely/internal/ghostcard"
	"github.com/pausely/pausely/internal/learning"
	"github.com/pausely/pausely/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// defaultDBTimeout bounds synchronous store lookups and updates. The losing
// side of the race is abandoned, not cancelled at the driver level, so a
// late-completing write after a timeout response is possible and tolerated.
const defaultDBTimeout = 10 * time.Second

// ScoreSink attaches acceptance scores to an interaction's telemetry record.
type ScoreSink interface {
	AttachScore(ctx context.Context, interactionID, name string, value float64, reason string) error
}

// LearningDispatcher is the deferred entry point into the learning pipeline.
type LearningDispatcher interface {
	ProcessFeedback(ctx context.Context, ev learning.FeedbackEvent) error
	ProcessSatisfaction(ctx context.Context, ev learning.SatisfactionEvent) error
}

// AppDeps holds the collaborators the HTTP layer is wired with.
type AppDeps struct {
	Store      *storage.Store
	Sessions   *auth.Sessions
	Telemetry  ScoreSink
	Learning   LearningDispatcher
	GhostCards *ghostcard.Dispatcher
	Runner     *Runner
	Logger     *slog.Logger
	DBTimeout  time.Duration // defaults to 10s
}

// NewAppHandler builds the feedback API router.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.DBTimeout <= 0 {
		deps.DBTimeout = defaultDBTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RequireSession(deps.Sessions))
		r.Use(AfterResponse(deps.Runner))

		r.Post("/v1/interactions/{id}/feedback", handleFeedback(deps))
		r.Post("/v1/interactions/{id}/wizard", handleWizardCompletion(deps))
		r.Patch("/v1/ghost-cards/{id}/feedback", handleSatisfactionFeedback(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type feedbackRequest struct {
	Outcome  string             `json:"outcome"`
	Metadata *feedback.Metadata `json:"metadata,omitempty"`
}

type feedbackResponse struct {
	Success    bool   `json:"success"`
	FeedbackID string `json:"feedbackId"`
	Updated    bool   `json:"updated,omitempty"`
}

// handleFeedback records the user's decision about an intervention. The
// write is idempotent-by-overwrite: a resubmission updates the same row
// and is distinguishable only by the updated flag.
func handleFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserID(r.Context())
		interactionID := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if interactionID == "" {
			httpError(w, http.StatusBadRequest, "interactionId is required")
			return
		}
		if !feedback.ValidOutcome(req.Outcome) {
			httpError(w, http.StatusBadRequest, "invalid outcome %q", req.Outcome)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), deps.DBTimeout)
		defer cancel()

		inter, err := deps.Store.GetInteraction(ctx, interactionID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "interaction not found")
			return
		}
		if err != nil {
			deps.Logger.Error("loading interaction failed", "interaction_id", interactionID, "error", err)
			httpError(w, http.StatusInternalServerError, "database error")
			return
		}
		if inter.UserID != userID {
			httpError(w, http.StatusForbidden, "forbidden")
			return
		}

		existing, err := feedback.ParseMetadata(inter.Metadata)
		if err != nil {
			// A corrupt stored document should not block feedback; merge
			// proceeds from empty.
			deps.Logger.Warn("stored metadata unreadable", "interaction_id", interactionID, "error", err)
			existing = feedback.Metadata{}
		}

		var incoming feedback.Metadata
		if req.Metadata != nil {
			incoming = *req.Metadata
		}
		merged := feedback.Merge(existing, incoming)
		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "database error")
			return
		}

		mapped := feedback.MapOutcome(req.Outcome)
		updated := inter.Outcome != ""

		if err := deps.Store.UpdateInteractionOutcome(ctx, interactionID, mapped, storage.InteractionFeedbackReceived, string(mergedJSON)); err != nil {
			deps.Logger.Error("updating interaction failed", "interaction_id", interactionID, "error", err)
			httpError(w, http.StatusInternalServerError, "database error")
			return
		}

		// Post-persist effects. None of these may block or fail the response.
		if score, ok := feedback.AcceptanceScore(req.Outcome); ok {
			rawOutcome := req.Outcome
			deps.Runner.Go("telemetry acceptance score", func(ctx context.Context) error {
				return deps.Telemetry.AttachScore(ctx, interactionID, "acceptance", score, "user feedback: "+rawOutcome)
			})
		}

		deps.Runner.Go("ghost card dispatch", func(ctx context.Context) error {
			_, err := deps.GhostCards.Dispatch(ctx, interactionID, userID, mapped)
			return err
		})

		if feedback.Learnable(mapped) {
			ev := learning.FeedbackEvent{
				InteractionID:    interactionID,
				UserID:           userID,
				Outcome:          mapped,
				Tier:             inter.Tier,
				PurchaseContext:  existing.PurchaseContext, // pre-update metadata
				ReasoningSummary: inter.ReasoningSummary,
			}
			DeferAfterResponse(r, deps.Runner, "learning pipeline", func(ctx context.Context) error {
				return deps.Learning.ProcessFeedback(ctx, ev)
			})
		}

		writeJSON(w, feedbackResponse{
			Success:    true,
			FeedbackID: interactionID,
			Updated:    updated,
		})
	}
}

type wizardRequest struct {
	Responses []feedback.WizardResponse `json:"responses"`
	Outcome   string                    `json:"outcome"`
}

// handleWizardCompletion records a finished decision wizard. Unlike the
// feedback endpoint this one is write-once: an interaction that already has
// an outcome conflicts rather than being overwritten, because a multi-step
// flow must not be replayed.
func handleWizardCompletion(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserID(r.Context())
		interactionID := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req wizardRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !feedback.ValidWizardOutcome(req.Outcome) {
			httpError(w, http.StatusBadRequest, "invalid outcome %q", req.Outcome)
			return
		}
		if len(req.Responses) == 0 {
			httpError(w, http.StatusBadRequest, "responses must not be empty")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), deps.DBTimeout)
		defer cancel()

		inter, err := deps.Store.GetInteraction(ctx, interactionID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "interaction not found")
			return
		}
		if err != nil {
			deps.Logger.Error("loading interaction failed", "interaction_id", interactionID, "error", err)
			httpError(w, http.StatusInternalServerError, "database error")
			return
		}
		if inter.UserID != userID {
			httpError(w, http.StatusForbidden, "forbidden")
			return
		}
		if inter.Outcome != "" {
			httpError(w, http.StatusConflict, "Interaction already has an outcome")
			return
		}

		// Full replace, not merge: the wizard owns the whole document.
		metadata, err := json.Marshal(feedback.Metadata{WizardResponses: req.Responses})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "database error")
			return
		}

		mapped := feedback.MapOutcome(req.Outcome)
		if err := deps.Store.UpdateInteractionOutcome(ctx, interactionID, mapped, storage.InteractionFeedbackReceived, string(metadata)); err != nil {
			deps.Logger.Error("updating interaction failed", "interaction_id", interactionID, "error", err)
			httpError(w, http.StatusInternalServerError, "database error")
			return
		}

		writeJSON(w, map[string]bool{"success": true})
	}
}

type satisfactionRequest struct {
	SatisfactionFeedback string `json:"satisfactionFeedback"`
}

type satisfactionResponse struct {
	Success              bool   `json:"success"`
	GhostCardID          string `json:"ghostCardId"`
	SatisfactionFeedback string `json:"satisfactionFeedback"`
}

// handleSatisfactionFeedback records the post-hoc "was it worth it" answer
// on a ghost card and defers the satisfaction learning pipeline.
func handleSatisfactionFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserID(r.Context())
		cardID := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req satisfactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !feedback.ValidSatisfaction(req.SatisfactionFeedback) {
			httpError(w, http.StatusBadRequest, "invalid satisfactionFeedback %q", req.SatisfactionFeedback)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), deps.DBTimeout)
		defer cancel()

		card, err := deps.Store.GetGhostCard(ctx, cardID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "ghost card not found")
			return
		}
		if err != nil {
			deps.Logger.Error("loading ghost card failed", "ghost_card_id", cardID, "error", err)
			httpError(w, http.StatusInternalServerError, "database error")
			return
		}
		if card.UserID != userID {
			httpError(w, http.StatusForbidden, "forbidden")
			return
		}

		if err := deps.Store.UpdateGhostCardFeedback(ctx, cardID, req.SatisfactionFeedback, storage.GhostCardFeedbackGiven); err != nil {
			deps.Logger.Error("updating ghost card failed", "ghost_card_id", cardID, "error", err)
			httpError(w, http.StatusInternalServerError, "database error")
			return
		}

		ev := learning.SatisfactionEvent{
			GhostCardID:   cardID,
			InteractionID: card.InteractionID,
			UserID:        userID,
			Satisfaction:  req.SatisfactionFeedback,
		}
		DeferAfterResponse(r, deps.Runner, "satisfaction learning pipeline", func(ctx context.Context) error {
			return deps.Learning.ProcessSatisfaction(ctx, ev)
		})

		writeJSON(w, satisfactionResponse{
			Success:              true,
			GhostCardID:          cardID,
			SatisfactionFeedback: req.SatisfactionFeedback,
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprintf(format, args...)})
}

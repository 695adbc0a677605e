// Package learning runs the post-feedback background pipeline: reflection
// generation, skill curation, and parallel finalization. Each invocation is
// a one-shot in-memory pipeline; work in flight when the process dies is
// lost, which is acceptable for a learning signal.
package learning

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ReflectionInput carries what the reflection generator needs to analyze
// one decision.
type ReflectionInput struct {
	InteractionID string
	UserID        string
	Question      string // purchase context, or a generic label when absent
	PriorAnswer   string // the stored reasoning summary
	Outcome       string
}

// Reflector produces a reflection for a decision. An empty reflection with
// a nil error means there was nothing to learn; that is not a failure.
type Reflector interface {
	Reflect(ctx context.Context, in ReflectionInput) (string, error)
}

// Curator applies a reflection to the user's skillbook and persists it.
type Curator interface {
	ApplyReflection(ctx context.Context, userID, lesson, outcome string) error
}

// TraceSink attaches pipeline output to the interaction's telemetry record.
type TraceSink interface {
	AttachOutput(ctx context.Context, interactionID, output string, tags map[string]string) error
}

// StatusMarker flips the interaction's learning status once the pipeline
// has run.
type StatusMarker interface {
	SetLearningStatus(ctx context.Context, id, status string) error
}

// FeedbackEvent is the pipeline payload dispatched after a feedback write.
// Metadata fields are the interaction's pre-update values.
type FeedbackEvent struct {
	InteractionID    string
	UserID           string
	Outcome          string // stored vocabulary
	Tier             string
	PurchaseContext  string
	ReasoningSummary string
}

// SatisfactionEvent is the pipeline payload for post-hoc ghost card feedback.
type SatisfactionEvent struct {
	GhostCardID   string
	InteractionID string
	UserID        string
	Satisfaction  string
}

const genericQuestion = "a recent purchase decision"

const learningCompleteStatus = "completed"

// Pipeline wires the three stages together.
type Pipeline struct {
	reflector Reflector
	curator   Curator
	traces    TraceSink
	marker    StatusMarker
	logger    *slog.Logger
}

func NewPipeline(reflector Reflector, curator Curator, traces TraceSink, marker StatusMarker, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		reflector: reflector,
		curator:   curator,
		traces:    traces,
		marker:    marker,
		logger:    logger,
	}
}

// ProcessFeedback runs the pipeline for a decision outcome. A curation
// failure aborts the remaining stages and propagates to the caller;
// finalization failures are logged and isolated.
func (p *Pipeline) ProcessFeedback(ctx context.Context, ev FeedbackEvent) error {
	question := ev.PurchaseContext
	if question == "" {
		question = genericQuestion
	}
	in := ReflectionInput{
		InteractionID: ev.InteractionID,
		UserID:        ev.UserID,
		Question:      question,
		PriorAnswer:   ev.ReasoningSummary,
		Outcome:       ev.Outcome,
	}
	tags := map[string]string{
		"tier":    ev.Tier,
		"outcome": ev.Outcome,
	}
	return p.run(ctx, in, tags)
}

// ProcessSatisfaction runs the pipeline for post-hoc satisfaction feedback
// on a ghost card. Payload shape differs; the stages are the same.
func (p *Pipeline) ProcessSatisfaction(ctx context.Context, ev SatisfactionEvent) error {
	in := ReflectionInput{
		InteractionID: ev.InteractionID,
		UserID:        ev.UserID,
		Question:      fmt.Sprintf("looking back on a purchase, the user said it was %q", ev.Satisfaction),
		Outcome:       ev.Satisfaction,
	}
	tags := map[string]string{
		"source":       "ghost_card",
		"ghost_card":   ev.GhostCardID,
		"satisfaction": ev.Satisfaction,
	}
	return p.run(ctx, in, tags)
}

func (p *Pipeline) run(ctx context.Context, in ReflectionInput, tags map[string]string) error {
	// Stage 1: reflection. No reflection means nothing to learn; the
	// pipeline ends silently.
	reflection, err := p.reflector.Reflect(ctx, in)
	if err != nil {
		return fmt.Errorf("reflection for %s: %w", in.InteractionID, err)
	}
	if reflection == "" {
		return nil
	}

	// Stage 2: skill curation. This must land before finalization
	// references the reflection; a failure here aborts the pipeline.
	if err := p.curator.ApplyReflection(ctx, in.UserID, reflection, in.Outcome); err != nil {
		return fmt.Errorf("curating skillbook for %s: %w", in.UserID, err)
	}

	// Stage 3: finalization. Both branches run to completion regardless
	// of each other; each logs its own failure.
	var g errgroup.Group
	g.Go(func() error {
		if err := p.traces.AttachOutput(ctx, in.InteractionID, reflection, tags); err != nil {
			p.logger.Warn("attaching reflection to trace failed",
				"interaction_id", in.InteractionID, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := p.marker.SetLearningStatus(ctx, in.InteractionID, learningCompleteStatus); err != nil {
			p.logger.Warn("marking learning status failed",
				"interaction_id", in.InteractionID, "error", err)
		}
		return nil
	})
	return g.Wait()
}

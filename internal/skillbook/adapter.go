// Package skillbook manages the per-user accumulated strategy state consumed
// by the intervention prompting layer and updated by the learning pipeline.
package skillbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pausely/pausely/internal/storage"
)

// PromptContextBudget caps the serialized skillbook handed to a prompt
// context. Overflow is hard-truncated, never an error: a clipped skillbook
// still steers the model, a failed request steers nothing.
const PromptContextBudget = 8000

const truncationMarker = "\n[skillbook truncated]"

// Skill is one learned strategy entry.
type Skill struct {
	ID         string    `json:"id"`
	Lesson     string    `json:"lesson"`
	Outcome    string    `json:"outcome"`
	Reinforced int       `json:"reinforced"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Skillbook is the decoded per-user state.
type Skillbook struct {
	UserID  string
	Skills  []Skill
	Version int
}

// SkillbookStore is the slice of the record store the adapter needs.
type SkillbookStore interface {
	GetSkillbook(ctx context.Context, userID string) (storage.Skillbook, error)
	UpsertSkillbook(ctx context.Context, sb storage.Skillbook) error
}

// Adapter loads and saves skillbooks and renders them for prompt contexts.
type Adapter struct {
	store SkillbookStore
}

func NewAdapter(store SkillbookStore) *Adapter {
	return &Adapter{store: store}
}

// Load reads the user's skillbook. A user with no persisted state starts
// from an empty skillbook, not an error.
func (a *Adapter) Load(ctx context.Context, userID string) (Skillbook, error) {
	rec, err := a.store.GetSkillbook(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Skillbook{UserID: userID}, nil
	}
	if err != nil {
		return Skillbook{}, fmt.Errorf("loading skillbook for %s: %w", userID, err)
	}

	var skills []Skill
	if rec.Skills != "" {
		if err := json.Unmarshal([]byte(rec.Skills), &skills); err != nil {
			return Skillbook{}, fmt.Errorf("parsing skillbook for %s: %w", userID, err)
		}
	}
	return Skillbook{UserID: userID, Skills: skills, Version: rec.Version}, nil
}

// Save persists the skillbook as submitted; version management belongs to
// the curator.
func (a *Adapter) Save(ctx context.Context, sb Skillbook) error {
	skills, err := json.Marshal(sb.Skills)
	if err != nil {
		return fmt.Errorf("encoding skillbook for %s: %w", sb.UserID, err)
	}
	rec := storage.Skillbook{
		UserID:  sb.UserID,
		Skills:  string(skills),
		Version: sb.Version,
	}
	if err := a.store.UpsertSkillbook(ctx, rec); err != nil {
		return fmt.Errorf("saving skillbook for %s: %w", sb.UserID, err)
	}
	return nil
}

// PromptContext renders the skillbook as a prompt-ready string. Output
// beyond PromptContextBudget characters is hard-truncated with an explicit
// marker appended.
func PromptContext(sb Skillbook) string {
	if len(sb.Skills) == 0 {
		return "No learned strategies yet."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Learned strategies (v%d):\n", sb.Version)
	for _, s := range sb.Skills {
		fmt.Fprintf(&b, "- [%s] %s", s.Outcome, s.Lesson)
		if s.Reinforced > 1 {
			fmt.Fprintf(&b, " (seen %dx)", s.Reinforced)
		}
		b.WriteByte('\n')
	}

	out := b.String()
	if len(out) <= PromptContextBudget {
		return out
	}
	return out[:PromptContextBudget-len(truncationMarker)] + truncationMarker
}

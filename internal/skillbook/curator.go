package skillbook

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Curator applies reflection output to a user's skillbook as a single
// update batch: a repeated lesson is reinforced in place, a new one is
// appended, and the version counter advances once per successful apply.
type Curator struct {
	adapter *Adapter
	now     func() time.Time
}

func NewCurator(adapter *Adapter) *Curator {
	return &Curator{adapter: adapter, now: time.Now}
}

// ApplyReflection folds one reflection into the skillbook and persists it.
func (c *Curator) ApplyReflection(ctx context.Context, userID, lesson, outcome string) error {
	sb, err := c.adapter.Load(ctx, userID)
	if err != nil {
		return err
	}

	if i := findLesson(sb.Skills, lesson); i >= 0 {
		sb.Skills[i].Reinforced++
		sb.Skills[i].Outcome = outcome
	} else {
		sb.Skills = append(sb.Skills, Skill{
			ID:         uuid.New().String(),
			Lesson:     lesson,
			Outcome:    outcome,
			Reinforced: 1,
			CreatedAt:  c.now().UTC(),
		})
	}
	sb.Version++

	return c.adapter.Save(ctx, sb)
}

func findLesson(skills []Skill, lesson string) int {
	for i, s := range skills {
		if strings.EqualFold(strings.TrimSpace(s.Lesson), strings.TrimSpace(lesson)) {
			return i
		}
	}
	return -1
}

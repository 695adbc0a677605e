package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction statuses.
const (
	InteractionPending          = "pending"
	InteractionCompleted        = "completed"
	InteractionFeedbackReceived = "feedback_received"
)

// Ghost card statuses.
const (
	GhostCardPending       = "pending"
	GhostCardFeedbackGiven = "feedback_given"
)

type Interaction struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	CardID           string    `json:"cardId,omitempty"`
	Tier             string    `json:"tier"`
	Status           string    `json:"status"`
	Outcome          string    `json:"outcome,omitempty"` // empty until first feedback write
	RiskScore        *int      `json:"riskScore,omitempty"`
	Metadata         string    `json:"metadata"` // JSON document stored as text
	ReasoningSummary string    `json:"reasoningSummary,omitempty"`
	LearningStatus   string    `json:"learningStatus,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

type GhostCard struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"userId"`
	InteractionID        string    `json:"interactionId"`
	Status               string    `json:"status"`
	SatisfactionFeedback string    `json:"satisfactionFeedback,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

type Skillbook struct {
	UserID    string    `json:"userId"`
	Skills    string    `json:"skills"` // JSON document produced by the curator
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

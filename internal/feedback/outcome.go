// Package feedback holds the pure vocabulary of purchase-decision outcomes:
// the client-to-stored outcome mapping, the learnable and ghost-card
// qualifying sets, and the metadata document merged on feedback writes.
package feedback

// Client outcome vocabulary, as submitted by the app.
const (
	ClientAccepted        = "accepted"
	ClientOverride        = "override"
	ClientWait            = "wait"
	ClientAbandoned       = "abandoned"
	ClientSkippedSavings  = "skipped_savings"
	ClientAcceptedSavings = "accepted_savings"

	// ClientWizardBookmark is only valid on the wizard-completion endpoint.
	ClientWizardBookmark = "wizard_bookmark"
)

// Stored outcome vocabulary.
const (
	OutcomeAccepted   = "accepted"
	OutcomeOverridden = "overridden"
	OutcomeWait       = "wait"
	OutcomeAbandoned  = "abandoned"
)

var outcomeMap = map[string]string{
	ClientAccepted:        OutcomeAccepted,
	ClientAcceptedSavings: OutcomeAccepted,
	ClientOverride:        OutcomeOverridden,
	ClientSkippedSavings:  OutcomeOverridden,
	ClientWait:            OutcomeWait,
	ClientAbandoned:       OutcomeAbandoned,
	ClientWizardBookmark:  OutcomeWait,
}

// MapOutcome translates a client outcome to its stored form. It is total
// over the closed client vocabulary; values outside it are rejected by
// request validation before this function is reached.
func MapOutcome(client string) string {
	return outcomeMap[client]
}

// ValidOutcome reports whether s is in the closed client vocabulary of the
// feedback endpoint.
func ValidOutcome(s string) bool {
	switch s {
	case ClientAccepted, ClientOverride, ClientWait, ClientAbandoned,
		ClientSkippedSavings, ClientAcceptedSavings:
		return true
	}
	return false
}

// ValidWizardOutcome reports whether s is valid on the wizard-completion
// endpoint, which admits the base vocabulary plus wizard_bookmark.
func ValidWizardOutcome(s string) bool {
	return ValidOutcome(s) || s == ClientWizardBookmark
}

// Learnable reports whether a stored outcome is worth running the learning
// pipeline for. Every stored outcome currently qualifies; the set is kept
// explicit because it is a product decision, not a tautology.
func Learnable(stored string) bool {
	switch stored {
	case OutcomeAccepted, OutcomeOverridden, OutcomeWait, OutcomeAbandoned:
		return true
	}
	return false
}

// QualifiesForGhostCard reports whether a stored outcome should produce a
// satisfaction follow-up. Only concluded purchase decisions qualify:
// an abandoned or waiting decision has nothing to regret yet.
func QualifiesForGhostCard(stored string) bool {
	return stored == OutcomeAccepted || stored == OutcomeOverridden
}

// AcceptanceScore returns the telemetry acceptance score configured for a
// raw client outcome. The second return is false for outcomes with no
// configured score, in which case no score is attached.
func AcceptanceScore(client string) (float64, bool) {
	score, ok := acceptanceScores[client]
	return score, ok
}

var acceptanceScores = map[string]float64{
	ClientAccepted:        1.0,
	ClientAcceptedSavings: 1.0,
	ClientWait:            0.5,
	ClientOverride:        0.0,
	ClientSkippedSavings:  0.0,
}

// Satisfaction feedback vocabulary for ghost cards.
const (
	SatisfactionWorthIt  = "worth_it"
	SatisfactionRegretIt = "regret_it"
	SatisfactionNotSure  = "not_sure"
)

// ValidSatisfaction reports whether s is a valid satisfaction feedback value.
func ValidSatisfaction(s string) bool {
	switch s {
	case SatisfactionWorthIt, SatisfactionRegretIt, SatisfactionNotSure:
		return true
	}
	return false
}

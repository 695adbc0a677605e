package feedback

import (
	"encoding/json"
	"fmt"
)

// WizardResponse is one step of the decision wizard flow.
type WizardResponse struct {
	Step     int    `json:"step"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Metadata is the free-form document attached to an interaction. The two
// fields the pipeline actually reads are typed; everything else the client
// sends rides along in Extra and survives merges and round-trips.
type Metadata struct {
	PurchaseContext string
	WizardResponses []WizardResponse
	Extra           map[string]json.RawMessage
}

const (
	keyPurchaseContext = "purchaseContext"
	keyWizardResponses = "wizardResponses"
)

// IsEmpty reports whether the document carries no keys at all.
func (m Metadata) IsEmpty() bool {
	return m.PurchaseContext == "" && len(m.WizardResponses) == 0 && len(m.Extra) == 0
}

// MarshalJSON flattens known fields and Extra into a single object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(m.Extra)+2)
	for k, v := range m.Extra {
		obj[k] = v
	}
	if m.PurchaseContext != "" {
		b, err := json.Marshal(m.PurchaseContext)
		if err != nil {
			return nil, err
		}
		obj[keyPurchaseContext] = b
	}
	if len(m.WizardResponses) > 0 {
		b, err := json.Marshal(m.WizardResponses)
		if err != nil {
			return nil, err
		}
		obj[keyWizardResponses] = b
	}
	return json.Marshal(obj)
}

// UnmarshalJSON lifts the known keys out of the object and keeps the rest raw.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*m = Metadata{}
	for k, v := range obj {
		switch k {
		case keyPurchaseContext:
			if err := json.Unmarshal(v, &m.PurchaseContext); err != nil {
				return fmt.Errorf("parsing %s: %w", keyPurchaseContext, err)
			}
		case keyWizardResponses:
			if err := json.Unmarshal(v, &m.WizardResponses); err != nil {
				return fmt.Errorf("parsing %s: %w", keyWizardResponses, err)
			}
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[k] = v
		}
	}
	return nil
}

// ParseMetadata decodes a stored metadata document. Empty or missing text
// yields an empty document rather than an error.
func ParseMetadata(text string) (Metadata, error) {
	if text == "" || text == "{}" {
		return Metadata{}, nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return Metadata{}, fmt.Errorf("parsing metadata: %w", err)
	}
	return m, nil
}

// Merge reconciles stored metadata with a newly submitted document. When
// incoming has at least one key the result is a shallow merge with incoming
// keys winning; an empty incoming document leaves existing untouched, so a
// bare feedback payload never wipes previously recorded purchase context.
func Merge(existing, incoming Metadata) Metadata {
	if incoming.IsEmpty() {
		return existing
	}
	out := existing
	if incoming.PurchaseContext != "" {
		out.PurchaseContext = incoming.PurchaseContext
	}
	if len(incoming.WizardResponses) > 0 {
		out.WizardResponses = incoming.WizardResponses
	}
	if len(incoming.Extra) > 0 {
		merged := make(map[string]json.RawMessage, len(existing.Extra)+len(incoming.Extra))
		for k, v := range existing.Extra {
			merged[k] = v
		}
		for k, v := range incoming.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

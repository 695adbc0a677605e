package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pausely/pausely/internal/auth"
	"github.com/pausely/pausely/internal/ghostcard"
	"github.com/pausely/pausely/internal/learning"
	"github.com/pausely/pausely/internal/storage"
)

type mockScoreSink struct {
	mu     sync.Mutex
	scores []attachedScore
}

type attachedScore struct {
	interactionID string
	name          string
	value         float64
	reason        string
}

func (m *mockScoreSink) AttachScore(_ context.Context, interactionID, name string, value float64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, attachedScore{interactionID, name, value, reason})
	return nil
}

func (m *mockScoreSink) all() []attachedScore {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]attachedScore(nil), m.scores...)
}

type mockLearning struct {
	mu            sync.Mutex
	feedback      []learning.FeedbackEvent
	satisfactions []learning.SatisfactionEvent
}

func (m *mockLearning) ProcessFeedback(_ context.Context, ev learning.FeedbackEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, ev)
	return nil
}

func (m *mockLearning) ProcessSatisfaction(_ context.Context, ev learning.SatisfactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.satisfactions = append(m.satisfactions, ev)
	return nil
}

func (m *mockLearning) feedbackEvents() []learning.FeedbackEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]learning.FeedbackEvent(nil), m.feedback...)
}

func (m *mockLearning) satisfactionEvents() []learning.SatisfactionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]learning.SatisfactionEvent(nil), m.satisfactions...)
}

type testApp struct {
	handler  http.Handler
	store    *storage.Store
	sessions *auth.Sessions
	runner   *Runner
	scores   *mockScoreSink
	learning *mockLearning
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sessions, err := auth.NewSessions("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}

	app := &testApp{
		store:    store,
		sessions: sessions,
		runner:   NewRunner(nil),
		scores:   &mockScoreSink{},
		learning: &mockLearning{},
	}
	app.handler = NewAppHandler(AppDeps{
		Store:      store,
		Sessions:   sessions,
		Telemetry:  app.scores,
		Learning:   app.learning,
		GhostCards: ghostcard.NewDispatcher(store),
		Runner:     app.runner,
	})
	return app
}

// do sends an authenticated request and waits for the background tasks it
// spawned to settle, so assertions on side effects are deterministic.
func (a *testApp) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		token, err := a.sessions.Issue(userID)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	a.runner.Wait()
	return rec
}

func (a *testApp) seedInteraction(t *testing.T, in storage.Interaction) {
	t.Helper()
	if in.Status == "" {
		in.Status = storage.InteractionPending
	}
	if in.Tier == "" {
		in.Tier = "analyst"
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	if err := a.store.SaveInteraction(context.Background(), in); err != nil {
		t.Fatalf("SaveInteraction: %v", err)
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decodeBody(t, rec, &body)
	return body["error"]
}

func TestHealth_NoAuthRequired(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestFeedback_RequiresSession(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/v1/interactions/int-1/feedback", "", map[string]string{"outcome": "accepted"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if errorMessage(t, rec) != "unauthorized" {
		t.Errorf("error = %q", errorMessage(t, rec))
	}
}

func TestFeedback_FirstSubmission(t *testing.T) {
	app := newTestApp(t)
	app.seedInteraction(t, storage.Interaction{
		ID:               "int-1",
		UserID:           "user-1",
		Tier:             "negotiator",
		Metadata:         `{"purchaseContext":"an espresso machine"}`,
		ReasoningSummary: "flagged as impulse",
	})

	rec := app.do(t, http.MethodPost, "/v1/interactions/int-1/feedback", "user-1", map[string]any{
		"outcome": "override",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp feedbackResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.FeedbackID != "int-1" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Updated {
		t.Error("first submission must not report updated")
	}

	inter, err := app.store.GetInteraction(context.Background(), "int-1")
	if err != nil {
		t.Fatalf("GetInteraction: %v", err)
	}
	if inter.Outcome != "overridden" {
		t.Errorf("stored outcome = %q, want overridden", inter.Outcome)
	}
	if inter.Status != storage.InteractionFeedbackReceived {
		t.Errorf("status = %q", inter.Status)
	}

	// Side effects: acceptance score, ghost card, learning event.
	scores := app.scores.all()
	if len(scores) != 1 || scores[0].value != 0.0 || scores[0].name != "acceptance" {
		t.Errorf("scores = %+v", scores)
	}

	cards, err := app.store.ListGhostCardsByInteraction(context.Background(), "int-1")
	if err != nil {
		t.Fatalf("ListGhostCardsByInteraction: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("ghost cards = %d, want 1 for an overridden outcome", len(cards))
	}

	events := app.learning.feedbackEvents()
	if len(events) != 1 {
		t.Fatalf("learning events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Outcome != "overridden" || ev.Tier != "negotiator" {
		t.Errorf("event = %+v", ev)
	}
	if ev.PurchaseContext != "an espresso machine" || ev.ReasoningSummary != "flagged as impulse" {
		t.Errorf("event must carry pre-update metadata: %+v", ev)
	}
}

func TestFeedback_ResubmissionSetsUpdatedAndOverwrites(t *testing.T) {
	app := newTestApp(t)
	app.seedInteraction(t, storage.Interaction{ID: "int-1", UserID: "user-1"})

	first := app.do(t, http.MethodPost, "/v1/interactions/int-1/feedback", "user-1", map[string]string{"outcome": "override"})
	if first.Code != http.StatusOK {
		t.Fatalf("first: status = %d", first.Code)
	}

	second := app.do(t, http.MethodPost, "/v1/interactions/int-1/feedback", "user-1", map[string]string{"outcome": "accepted"})
	if second.Code != http.StatusOK {
		t.Fatalf("second: status = %d, body = %s", second.Code, second.Body.String())
	}

	var resp feedbackResponse
	decodeBody(t, second, &resp)
	if !resp.Updated {
		t.Error("resubmission must report updated")
	}

	inter, _ := app.store.GetInteraction(context.Background(), "int-1")
	if inter.Outcome != "accepted" {
		t.Errorf("outcome = %q, want last write to win", inter.Outcome)
	}
}

func TestFeedback_MetadataMerge(t *testing.T) {
	app := newTestApp(t)
	app.seedInteraction(t, storage.Interaction{
		ID:       "int-1",
		UserID:   "user-1",
		Metadata: `{"purchaseContext":"old context","merchant":"somewhere"}`,
	})

	rec := app.do(t, http.MethodPost, "/v1/interactions/int-1/feedback", "user-1", map[string]any{
		"outcome":  "accepted",
		"metadata": map[string]any{"purchaseContext": "new context", "price": 19.99},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	inter, _ := app.store.GetInteraction(context.Background(), "int-1")
	var stored map[string]json.RawMessage
	if err := json.Unmarshal([]byte(inter.Metadata), &stored); err != nil {
		t.Fatalf("stored metadata unreadable: %v", err)
	}
	if string(stored["purchaseContext"]) != `"new context"` {
		t.Errorf("purchaseContext = %s, want incoming to win", stored["purchaseContext"])
	}
	if string(stored["merchant"]) != `"somewhere"` {
		t.Errorf("merchant = %s, want preserved from existing", stored["merchant"])
	}
	if _, ok := stored["price"]; !ok {
		t.Error("incoming key price lost in merge")
	}
}

func TestFeedback_NoMetadataPreservesExisting(t *testing.T) {
	app := newTestApp(t)
	app.seedInteraction(t, storage.Interaction{
		ID:       "int-1",
		UserID:   "user-1",
		Metadata: `{"purchaseContext":"a juicer"}`,
	})

	rec := app.do(t, http.MethodPost, "/v1/interactions/int-1/feedback", "user-1", map[string]string{"outcome": "wait"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	inter, _ := app.store.GetInteraction(context.Background(), "int-1")
	var stored map[string]json.RawMessage
	json.Unmarshal([]byte(inter.Metadata), &stored)
	if string(stored["purchaseContext"]) != `"a juicer"` {
		t.Errorf("purchaseContext = %s, want preserved when no metadata sent", stored["purchaseContext"])
	}
}

func TestFeedback_Validation(t *testing.T) {
	app := newTestApp(t)
	app.seedInteraction(t, storage.Interaction{ID: "int-1", UserID: "user-1"})

	cases := []struct {
		name string
		body any
	}{
		{"invalid outcome", map[string]string{"outcome": "bought"}},
		{"wizard-only outcome", map[string]string{"outcome": "wizard_bookmark"}},
		{"missing outcome", map[string]string{}},
	}
	for _, tc := range cases {
		rec := app.do(t, http.MethodPost, "/v1/interactions/int-1/feedback", "user-1", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}

	// Malformed body.
	token, _ := app.sessions.Issue("user-1")
	req := httptest.NewRequest(http.MethodPost, "/v1/interactions/int-1/feedback", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec.Code)
	}
}

func TestFeedback_NotFoundAndForbidden(t *testing.T) {
	app := newTestApp(t)
	app.seedInteraction(t, storage.Interaction{ID: "int-1", UserID: "user-1"})

	rec := app.do(t, http.MethodPost, "/v1/interactions/missing/feedback", "user-1", map[string]string{"outcome": "accepted"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing interaction: status = %d, want 404", rec.Code)
	}

	rec = app.do(t, http.MethodPost, "/v1/interactions/int-1/feedback", "user-2", map[string]string{"outcome": "accepted"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign interaction: status = %d, want 403", rec.Code)
	}
	if len(app.learning.feedbackEvents()) != 0 {
		t.Error("rejected requests must not dispatch learning")
	}
}

func TestFeedback_AbandonedSkipsScoreAndGhostCardButLearns(t *testing.T) {
	app := newTestApp(t)
	app.seedInteraction(t, storage.Interaction{ID: "int-1", UserID: "user-1"})

	rec := app.do(t, http.MethodPost, "/v1/interactions/int-1/feedback", "user-1", map[string]string{"outcome": "abandoned"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if scores := app.scores.all(); len(scores) != 0 {
		t.Errorf("abandoned has no configured score, got %+v", scores)
	}
	cards, _ := app.store.ListGhostCardsByInteraction(context.Background(), "int-1")
	if len(cards) != 0 {
		t.Errorf("abandoned must not create a ghost card, got %d", len(cards))
	}
	if len(app.learning.feedbackEvents()) != 1 {
		t.Error("abandoned is still a learnable outcome")
	}
}

func TestWizard_SuccessThenConflict(t *testing.T) {
	app := newTestApp(t)
	app.seedInteraction(t, storage.Interaction{
		ID:       "int-1",
		UserID:   "user-1",
		Metadata: `{"purchaseContext":"a drone"}`,
	})

	body := map[string]any{
		"outcome": "wizard_bookmark",
		"responses": []map[string]any{
			{"step": 1, "question": "Can it wait a week?", "answer": "yes"},
		},
	}
	rec := app.do(t, http.MethodPost, "/v1/interactions/int-1/wizard", "user-1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	inter, _ := app.store.GetInteraction(context.Background(), "int-1")
	if inter.Outcome != "wait" {
		t.Errorf("outcome = %q, want wizard_bookmark mapped to wait", inter.Outcome)
	}

	// Full replace: prior purchaseContext is gone, wizard responses present.
	var stored map[string]json.RawMessage
	json.Unmarshal([]byte(inter.Metadata), &stored)
	if _, ok := stored["purchaseContext"]; ok {
		t.Error("wizard completion must replace metadata, not merge")
	}
	if _, ok := stored["wizardResponses"]; !ok {
		t.Error("wizard responses missing from stored metadata")
	}

	// Write-once: the same wizard cannot land twice.
	rec = app.do(t, http.MethodPost, "/v1/interactions/int-1/wizard", "user-1", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay: status = %d, want 409", rec.Code)
	}
	if errorMessage(t, rec) != "Interaction already has an outcome" {
		t.Errorf("error = %q", errorMessage(t, rec))
	}
}

func TestWizard_ConflictsWithPriorFeedback(t *testing.T) {
	app := newTestApp(t)
	app.seedInteraction(t, storage.Interaction{ID: "int-1", UserID: "user-1"})

	rec := app.do(t, http.MethodPost, "/v1/interactions/int-1/feedback", "user-1", map[string]string{"outcome": "accepted"})
	if rec.Code != http.StatusOK {
		t.Fatalf("feedback: status = %d", rec.Code)
	}

	rec = app.do(t, http.MethodPost, "/v1/interactions/int-1/wizard", "user-1", map[string]any{
		"outcome":   "accepted",
		"responses": []map[string]any{{"step": 1, "question": "q", "answer": "a"}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 after regular feedback", rec.Code)
	}
}

func TestWizard_Validation(t *testing.T) {
	app := newTestApp(t)
	app.seedInteraction(t, storage.Interaction{ID: "int-1", UserID: "user-1"})

	rec := app.do(t, http.MethodPost, "/v1/interactions/int-1/wizard", "user-1", map[string]any{
		"outcome":   "accepted",
		"responses": []map[string]any{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty responses: status = %d, want 400", rec.Code)
	}

	rec = app.do(t, http.MethodPost, "/v1/interactions/int-1/wizard", "user-1", map[string]any{
		"outcome":   "bookmark",
		"responses": []map[string]any{{"step": 1, "question": "q", "answer": "a"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid outcome: status = %d, want 400", rec.Code)
	}

	rec = app.do(t, http.MethodPost, "/v1/interactions/missing/wizard", "user-2", map[string]any{
		"outcome":   "accepted",
		"responses": []map[string]any{{"step": 1, "question": "q", "answer": "a"}},
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rec.Code)
	}
}

func TestSatisfaction_Success(t *testing.T) {
	app := newTestApp(t)
	app.seedInteraction(t, storage.Interaction{ID: "int-1", UserID: "user-1"})
	card := storage.GhostCard{
		ID: "gc-1", UserID: "user-1", InteractionID: "int-1",
		Status: storage.GhostCardPending, CreatedAt: time.Now().UTC(),
	}
	if err := app.store.CreateGhostCard(context.Background(), card); err != nil {
		t.Fatalf("CreateGhostCard: %v", err)
	}

	rec := app.do(t, http.MethodPatch, "/v1/ghost-cards/gc-1/feedback", "user-1", map[string]string{
		"satisfactionFeedback": "regret_it",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp satisfactionResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.GhostCardID != "gc-1" || resp.SatisfactionFeedback != "regret_it" {
		t.Errorf("resp = %+v", resp)
	}

	got, _ := app.store.GetGhostCard(context.Background(), "gc-1")
	if got.SatisfactionFeedback != "regret_it" || got.Status != storage.GhostCardFeedbackGiven {
		t.Errorf("card = %+v", got)
	}

	events := app.learning.satisfactionEvents()
	if len(events) != 1 {
		t.Fatalf("satisfaction events = %d, want 1", len(events))
	}
	if events[0].InteractionID != "int-1" || events[0].GhostCardID != "gc-1" || events[0].Satisfaction != "regret_it" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestSatisfaction_Errors(t *testing.T) {
	app := newTestApp(t)
	card := storage.GhostCard{
		ID: "gc-1", UserID: "user-1", InteractionID: "int-1",
		Status: storage.GhostCardPending, CreatedAt: time.Now().UTC(),
	}
	if err := app.store.CreateGhostCard(context.Background(), card); err != nil {
		t.Fatalf("CreateGhostCard: %v", err)
	}

	rec := app.do(t, http.MethodPatch, "/v1/ghost-cards/gc-1/feedback", "user-1", map[string]string{
		"satisfactionFeedback": "meh",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid verdict: status = %d, want 400", rec.Code)
	}

	rec = app.do(t, http.MethodPatch, "/v1/ghost-cards/missing/feedback", "user-1", map[string]string{
		"satisfactionFeedback": "worth_it",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing card: status = %d, want 404", rec.Code)
	}

	rec = app.do(t, http.MethodPatch, "/v1/ghost-cards/gc-1/feedback", "user-2", map[string]string{
		"satisfactionFeedback": "worth_it",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign card: status = %d, want 403", rec.Code)
	}

	if len(app.learning.satisfactionEvents()) != 0 {
		t.Error("rejected requests must not dispatch learning")
	}
}

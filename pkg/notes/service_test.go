package notes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fernwood-labs/lorekeeper/pkg/ai"
	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/dedupe"
	"github.com/fernwood-labs/lorekeeper/pkg/store"
)

// fakeAI serves canned extraction, adjudication, and embedding responses.
// Texts without a configured embedding each get their own basis vector in
// dimensions the seeded vectors never use, so unrelated texts score zero.
type fakeAI struct {
	mu         sync.Mutex
	extraction *ai.ExtractionResponse
	extractErr error
	adjudicate *ai.AdjudicationResponse
	embeddings map[string][]float32
	nextDim    int
}

func newFakeAI() *fakeAI {
	return &fakeAI{embeddings: make(map[string][]float32), nextDim: 2}
}

func (f *fakeAI) GenerateEmbedding(_ context.Context, input []byte) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.embeddings[string(input)]; ok {
		return v, nil
	}
	v := make([]float32, f.nextDim+1)
	v[f.nextDim] = 1
	f.nextDim++
	f.embeddings[string(input)] = v
	return v, nil
}

func (f *fakeAI) GenerateCompletion(context.Context, string, ...ai.GenerateOption) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeAI) GenerateCompletionWithFormat(_ context.Context, name string, _ string, _ string, out any, _ ...ai.GenerateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch res := out.(type) {
	case *ai.ExtractionResponse:
		if f.extractErr != nil {
			return f.extractErr
		}
		if f.extraction != nil {
			*res = *f.extraction
		}
		return nil
	case *ai.AdjudicationResponse:
		if f.adjudicate == nil {
			return errors.New("no adjudication response configured")
		}
		*res = *f.adjudicate
		return nil
	default:
		return fmt.Errorf("unexpected output type %T for %s", out, name)
	}
}

func (f *fakeAI) ResetMetrics()               {}
func (f *fakeAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

type memStore struct {
	mu       sync.Mutex
	entities map[string]*common.Entity
	vectors  map[string][]float32
	kinds    map[string]common.Kind
	notes    map[string]*common.Note

	// getEntityGate, when set, runs at the start of every GetEntity call,
	// before the store mutex is taken. It stands in for database latency.
	getEntityGate func()
}

func newMemStore() *memStore {
	return &memStore{
		entities: make(map[string]*common.Entity),
		vectors:  make(map[string][]float32),
		kinds:    make(map[string]common.Kind),
		notes:    make(map[string]*common.Note),
	}
}

func clone(e *common.Entity) *common.Entity {
	copied := *e
	copied.NoteIDs = append([]string(nil), e.NoteIDs...)
	return &copied
}

func (s *memStore) CreateEntity(_ context.Context, entity *common.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entity.ID] = clone(entity)
	return nil
}

func (s *memStore) GetEntity(_ context.Context, campaignID, id string) (*common.Entity, error) {
	if s.getEntityGate != nil {
		s.getEntityGate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(campaignID, id)
}

func (s *memStore) getLocked(campaignID, id string) (*common.Entity, error) {
	e, ok := s.entities[id]
	if !ok || e.CampaignID != campaignID {
		return nil, store.ErrNotFound
	}
	return clone(e), nil
}

func (s *memStore) GetEntityByKey(_ context.Context, campaignID string, kind common.Kind, displayKey string) (*common.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		if e.CampaignID == campaignID && e.Kind == kind && e.DisplayKey() == displayKey {
			return clone(e), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) ListEntities(_ context.Context, campaignID string, kind common.Kind) ([]common.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []common.Entity
	for _, e := range s.entities {
		if e.CampaignID == campaignID && e.Kind == kind {
			out = append(out, *clone(e))
		}
	}
	return out, nil
}

func (s *memStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.GraphTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &memTx{s: s})
}

type memTx struct{ s *memStore }

func (t *memTx) GetEntityForUpdate(_ context.Context, campaignID, id string) (*common.Entity, error) {
	return t.s.getLocked(campaignID, id)
}

func (t *memTx) UpdateEntity(_ context.Context, entity *common.Entity) error {
	if _, ok := t.s.entities[entity.ID]; !ok {
		return store.ErrNotFound
	}
	t.s.entities[entity.ID] = clone(entity)
	return nil
}

func (s *memStore) UpsertVector(_ context.Context, _ string, kind common.Kind, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[id] = append([]float32(nil), embedding...)
	s.kinds[id] = kind
	return nil
}

func (s *memStore) SearchVectors(_ context.Context, campaignID string, kind common.Kind, embedding []float32, k int) ([]store.VectorHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hits []store.VectorHit
	for id, v := range s.vectors {
		e, ok := s.entities[id]
		if s.kinds[id] != kind || (ok && e.CampaignID != campaignID) {
			continue
		}
		hits = append(hits, store.VectorHit{ID: id, Score: cosine(embedding, v)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *memStore) DeleteVector(_ context.Context, _ string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vectors, id)
	delete(s.kinds, id)
	return nil
}

func (s *memStore) SaveNote(_ context.Context, note *common.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *note
	s.notes[note.ID] = &copied
	return nil
}

func (s *memStore) GetNote(_ context.Context, campaignID, id string) (*common.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok || n.CampaignID != campaignID {
		return nil, store.ErrNotFound
	}
	copied := *n
	return &copied, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type testEnv struct {
	ai       *fakeAI
	store    *memStore
	sessions *dedupe.SessionManager
	service  *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fai := newFakeAI()
	ms := newMemStore()
	cfg := &dedupe.Config{
		AutoMergeThreshold: 0.9,
		AmbiguousThreshold: 0.6,
		MaxCandidates:      25,
		MaxLLMCandidates:   5,
		SessionTTL:         time.Minute,
		StageTimeout:       5 * time.Second,
		LLMRetries:         1,
	}
	sessions := dedupe.NewSessionManager(cfg.SessionTTL)
	t.Cleanup(sessions.Close)
	coord := dedupe.NewCoordinator(cfg, fai, ms, ms, sessions, nil)
	return &testEnv{
		ai:       fai,
		store:    ms,
		sessions: sessions,
		service:  NewService(fai, coord, ms, ms),
	}
}

func testNote() *common.Note {
	return &common.Note{
		ID:         "note-1",
		CampaignID: "campaign-1",
		Title:      "Council of Elrond",
		Text:       "Gandalf revealed the ring's history to Frodo.",
		CreatedAt:  time.Now(),
	}
}

func TestProcessNoteCreatesExtractedEntities(t *testing.T) {
	env := newTestEnv(t)
	env.ai.extraction = &ai.ExtractionResponse{
		Artifacts: []ai.ExtractedArtifact{
			{Name: "Gandalf", Type: "character", Description: "A wizard"},
			{Name: "Frodo", Type: "character", Description: "A hobbit"},
		},
		Relations: []ai.ExtractedRelation{
			{Source: "Gandalf", Target: "Frodo", Label: "mentors", Description: "Gandalf guides Frodo"},
		},
	}

	result, err := env.service.ProcessNote(context.Background(), testNote())
	if err != nil {
		t.Fatalf("ProcessNote failed: %v", err)
	}
	if len(result.Artifacts) != 2 || len(result.Relations) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	artifacts, _ := env.store.ListEntities(context.Background(), "campaign-1", common.KindArtifact)
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts persisted, got %d", len(artifacts))
	}
	relations, _ := env.store.ListEntities(context.Background(), "campaign-1", common.KindRelation)
	if len(relations) != 1 {
		t.Fatalf("expected 1 relation persisted, got %d", len(relations))
	}
	for _, a := range artifacts {
		if !a.HasNote("note-1") {
			t.Fatalf("artifact %s missing note provenance", a.Name)
		}
	}
}

func TestProcessNoteRemapsMergedEndpointNames(t *testing.T) {
	env := newTestEnv(t)

	existing := &common.Entity{
		ID:          "gandalf-1",
		Kind:        common.KindArtifact,
		CampaignID:  "campaign-1",
		Name:        "Gandalf",
		Type:        "character",
		Description: "A wizard",
	}
	env.store.entities[existing.ID] = clone(existing)
	env.store.vectors[existing.ID] = []float32{1, 0}
	env.store.kinds[existing.ID] = common.KindArtifact

	env.ai.extraction = &ai.ExtractionResponse{
		Artifacts: []ai.ExtractedArtifact{
			{Name: "Gandalf the Grey", Type: "character", Description: "leader of the Fellowship"},
			{Name: "Frodo", Type: "character", Description: "A hobbit"},
		},
		Relations: []ai.ExtractedRelation{
			{Source: "Gandalf the Grey", Target: "Frodo", Label: "mentors"},
		},
	}
	incoming := &common.Entity{
		Kind:        common.KindArtifact,
		CampaignID:  "campaign-1",
		Name:        "Gandalf the Grey",
		Type:        "character",
		Description: "leader of the Fellowship",
	}
	score := 0.95
	env.ai.embeddings[incoming.TextRepresentation()] = []float32{float32(score), float32(math.Sqrt(1 - score*score))}

	result, err := env.service.ProcessNote(context.Background(), testNote())
	if err != nil {
		t.Fatalf("ProcessNote failed: %v", err)
	}
	if len(result.Relations) != 1 {
		t.Fatalf("expected one relation outcome, got %+v", result)
	}

	relations, _ := env.store.ListEntities(context.Background(), "campaign-1", common.KindRelation)
	if len(relations) != 1 {
		t.Fatalf("expected one relation persisted, got %d", len(relations))
	}
	if relations[0].Source != "Gandalf" {
		t.Fatalf("relation endpoint not remapped to canonical name, got %q", relations[0].Source)
	}
}

func TestProcessNoteCanonicalLookupsRunConcurrently(t *testing.T) {
	env := newTestEnv(t)
	for _, e := range []*common.Entity{
		{ID: "gandalf-1", Kind: common.KindArtifact, CampaignID: "campaign-1", Name: "Gandalf", Type: "character", Description: "A wizard"},
		{ID: "frodo-1", Kind: common.KindArtifact, CampaignID: "campaign-1", Name: "Frodo", Type: "character", Description: "A hobbit"},
	} {
		env.store.entities[e.ID] = clone(e)
	}
	env.ai.extraction = &ai.ExtractionResponse{
		Artifacts: []ai.ExtractedArtifact{
			{Name: "Gandalf", Type: "character", Description: "Seen at the council"},
			{Name: "Frodo", Type: "character", Description: "Carried the ring"},
		},
	}

	// Both artifacts merge by exact display key, so each goroutine resolves
	// its target's canonical name. The gate holds the first lookup until the
	// second arrives; if a lookup runs with the outcome mutex held, the
	// sibling can never arrive and both report no overlap.
	var entered sync.WaitGroup
	entered.Add(2)
	overlapped := make(chan bool, 2)
	env.store.getEntityGate = func() {
		entered.Done()
		met := make(chan struct{})
		go func() {
			entered.Wait()
			close(met)
		}()
		select {
		case <-met:
			overlapped <- true
		case <-time.After(2 * time.Second):
			overlapped <- false
		}
	}

	result, err := env.service.ProcessNote(context.Background(), testNote())
	if err != nil {
		t.Fatalf("ProcessNote failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if !<-overlapped {
			t.Fatalf("canonical name lookups did not overlap")
		}
	}
	if len(result.Artifacts) != 2 {
		t.Fatalf("expected 2 artifact outcomes, got %+v", result.Artifacts)
	}
	for _, a := range result.Artifacts {
		if a.Outcome.Status != dedupe.OutcomeMerged {
			t.Fatalf("expected %s to merge, got %s", a.Name, a.Outcome.Status)
		}
	}
}

func TestProcessNoteDefersRelationsBehindPendingArtifacts(t *testing.T) {
	env := newTestEnv(t)

	existing := &common.Entity{
		ID:          "gandalf-1",
		Kind:        common.KindArtifact,
		CampaignID:  "campaign-1",
		Name:        "Gandalf",
		Type:        "character",
		Description: "A wizard",
	}
	env.store.entities[existing.ID] = clone(existing)
	env.store.vectors[existing.ID] = []float32{1, 0}
	env.store.kinds[existing.ID] = common.KindArtifact

	env.ai.extraction = &ai.ExtractionResponse{
		Artifacts: []ai.ExtractedArtifact{
			{Name: "Gandalf the Grey", Type: "character", Description: "leader of the Fellowship"},
		},
		Relations: []ai.ExtractedRelation{
			{Source: "Gandalf the Grey", Target: "Frodo", Label: "mentors"},
		},
	}
	env.ai.adjudicate = &ai.AdjudicationResponse{Verdict: ai.VerdictRelated, Confidence: ai.ConfidenceMedium}
	incoming := &common.Entity{
		Kind:        common.KindArtifact,
		CampaignID:  "campaign-1",
		Name:        "Gandalf the Grey",
		Type:        "character",
		Description: "leader of the Fellowship",
	}
	score := 0.75
	env.ai.embeddings[incoming.TextRepresentation()] = []float32{float32(score), float32(math.Sqrt(1 - score*score))}

	result, err := env.service.ProcessNote(context.Background(), testNote())
	if err != nil {
		t.Fatalf("ProcessNote failed: %v", err)
	}
	if result.Deferred != 1 {
		t.Fatalf("expected one deferred relation, got %d", result.Deferred)
	}
	if len(result.Artifacts) != 1 || result.Artifacts[0].Outcome.Status != dedupe.OutcomePending {
		t.Fatalf("expected pending artifact, got %+v", result.Artifacts)
	}

	relations, _ := env.store.ListEntities(context.Background(), "campaign-1", common.KindRelation)
	if len(relations) != 0 {
		t.Fatalf("deferred relation must not be persisted yet, got %d", len(relations))
	}

	token := result.Artifacts[0].Outcome.SessionToken
	pending, err := env.sessions.Get(token)
	if err != nil {
		t.Fatalf("session lookup failed: %v", err)
	}
	if len(pending.DeferredRelations) != 1 {
		t.Fatalf("relation not attached to session, got %d", len(pending.DeferredRelations))
	}
}

func TestProcessNoteFailsWhenExtractionFails(t *testing.T) {
	env := newTestEnv(t)
	env.ai.extractErr = errors.New("model unavailable")

	if _, err := env.service.ProcessNote(context.Background(), testNote()); err == nil {
		t.Fatalf("expected extraction failure to surface")
	}
}

func TestSaveAndGetNote(t *testing.T) {
	env := newTestEnv(t)
	note := testNote()

	if err := env.service.SaveNote(context.Background(), note); err != nil {
		t.Fatalf("SaveNote failed: %v", err)
	}
	loaded, err := env.service.GetNote(context.Background(), note.CampaignID, note.ID)
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if loaded.Text != note.Text {
		t.Fatalf("unexpected note text %q", loaded.Text)
	}
}

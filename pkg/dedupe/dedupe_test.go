package dedupe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fernwood-labs/lorekeeper/pkg/ai"
	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/store"
)

// fakeAI serves canned embeddings and adjudication responses. Texts without
// a configured embedding each get their own basis vector in dimensions the
// seeded vectors never use, so unrelated texts always score zero.
type fakeAI struct {
	mu         sync.Mutex
	embeddings map[string][]float32
	nextDim    int
	embedErr   error
	embedCalls int

	adjResponse *ai.AdjudicationResponse
	adjErr      error
	adjCalls    int
	adjOpts     ai.GenerateOptions
}

func newFakeAI() *fakeAI {
	return &fakeAI{embeddings: make(map[string][]float32), nextDim: 2}
}

func (f *fakeAI) setEmbedding(text string, v []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeddings[text] = v
}

func (f *fakeAI) GenerateEmbedding(_ context.Context, input []byte) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
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

func (f *fakeAI) GenerateCompletionWithFormat(_ context.Context, _ string, _ string, _ string, out any, opts ...ai.GenerateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adjCalls++
	f.adjOpts = ai.GenerateOptions{}
	for _, o := range opts {
		o(&f.adjOpts)
	}
	if f.adjErr != nil {
		return f.adjErr
	}
	res, ok := out.(*ai.AdjudicationResponse)
	if !ok {
		return fmt.Errorf("unexpected output type %T", out)
	}
	if f.adjResponse == nil {
		return errors.New("no adjudication response configured")
	}
	*res = *f.adjResponse
	return nil
}

func (f *fakeAI) ResetMetrics()               {}
func (f *fakeAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

// memStore is an in-memory GraphStore plus VectorIndex. Transactions hold
// the store mutex for their duration, which serializes merges the same way
// row locks do in Postgres.
type memStore struct {
	mu       sync.Mutex
	entities map[string]*common.Entity
	vectors  map[string][]float32
	kinds    map[string]common.Kind

	searchErr error
	upsertErr error
	createErr error
}

func newMemStore() *memStore {
	return &memStore{
		entities: make(map[string]*common.Entity),
		vectors:  make(map[string][]float32),
		kinds:    make(map[string]common.Kind),
	}
}

func cloneEntity(e *common.Entity) *common.Entity {
	copied := *e
	copied.NoteIDs = append([]string(nil), e.NoteIDs...)
	return &copied
}

func (s *memStore) CreateEntity(_ context.Context, entity *common.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.entities[entity.ID] = cloneEntity(entity)
	return nil
}

func (s *memStore) GetEntity(_ context.Context, campaignID, id string) (*common.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(campaignID, id)
}

func (s *memStore) getLocked(campaignID, id string) (*common.Entity, error) {
	e, ok := s.entities[id]
	if !ok || e.CampaignID != campaignID {
		return nil, store.ErrNotFound
	}
	return cloneEntity(e), nil
}

func (s *memStore) GetEntityByKey(_ context.Context, campaignID string, kind common.Kind, displayKey string) (*common.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		if e.CampaignID == campaignID && e.Kind == kind && e.DisplayKey() == displayKey {
			return cloneEntity(e), nil
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
			out = append(out, *cloneEntity(e))
		}
	}
	return out, nil
}

func (s *memStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.GraphTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &memTx{s: s})
}

type memTx struct {
	s *memStore
}

func (t *memTx) GetEntityForUpdate(_ context.Context, campaignID, id string) (*common.Entity, error) {
	return t.s.getLocked(campaignID, id)
}

func (t *memTx) UpdateEntity(_ context.Context, entity *common.Entity) error {
	if _, ok := t.s.entities[entity.ID]; !ok {
		return store.ErrNotFound
	}
	t.s.entities[entity.ID] = cloneEntity(entity)
	return nil
}

func (s *memStore) UpsertVector(_ context.Context, campaignID string, kind common.Kind, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.vectors[id] = append([]float32(nil), embedding...)
	s.kinds[id] = kind
	return nil
}

func (s *memStore) SearchVectors(_ context.Context, campaignID string, kind common.Kind, embedding []float32, k int) ([]store.VectorHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	var hits []store.VectorHit
	for id, v := range s.vectors {
		e, ok := s.entities[id]
		owned := ok && e.CampaignID == campaignID
		if s.kinds[id] != kind || (ok && !owned) {
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

func (s *memStore) vectorOf(id string) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float32(nil), s.vectors[id]...)
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

// unitAt returns a 2D unit vector whose cosine similarity against {1, 0}
// is exactly score.
func unitAt(score float64) []float32 {
	return []float32{float32(score), float32(math.Sqrt(1 - score*score))}
}

func testConfig() *Config {
	return (&Config{
		AutoMergeThreshold: 0.9,
		AmbiguousThreshold: 0.6,
		MaxCandidates:      25,
		MaxLLMCandidates:   5,
		SessionTTL:         time.Minute,
		StageTimeout:       5 * time.Second,
		LLMRetries:         1,
	}).normalized()
}

type testEnv struct {
	ai       *fakeAI
	store    *memStore
	sessions *SessionManager
	coord    *Coordinator
}

func newTestEnv(cfg *Config) *testEnv {
	fai := newFakeAI()
	ms := newMemStore()
	sessions := NewSessionManager(cfg.SessionTTL)
	return &testEnv{
		ai:       fai,
		store:    ms,
		sessions: sessions,
		coord:    NewCoordinator(cfg, fai, ms, ms, sessions, nil),
	}
}

func (e *testEnv) close() {
	e.sessions.Close()
}

// seedGandalf installs the existing "Gandalf" artifact with a known vector
// and wires the new "Gandalf the Grey" entity's embedding so its similarity
// against the seed is exactly score.
func (e *testEnv) seedGandalf(score float64) (*common.Entity, *common.Entity) {
	existing := &common.Entity{
		ID:          "gandalf-1",
		Kind:        common.KindArtifact,
		CampaignID:  "campaign-1",
		Name:        "Gandalf",
		Type:        "character",
		Description: "A wizard",
		NoteIDs:     []string{"note-1"},
	}
	e.store.entities[existing.ID] = cloneEntity(existing)
	e.store.vectors[existing.ID] = []float32{1, 0}
	e.store.kinds[existing.ID] = common.KindArtifact

	incoming := &common.Entity{
		Kind:        common.KindArtifact,
		CampaignID:  "campaign-1",
		Name:        "Gandalf the Grey",
		Type:        "character",
		Description: "leader of the Fellowship",
		NoteIDs:     []string{"note-2"},
	}
	e.ai.setEmbedding(incoming.TextRepresentation(), unitAt(score))
	return existing, incoming
}

package dedupe

import (
	"sync"
	"time"

	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// PendingDecision is one ambiguous dedup case awaiting human confirmation.
//
// DeferredRelations holds relations extracted from the same note whose
// endpoints reference the pending entity; they are processed once the
// artifact is resolved, so a relation is never deduplicated against an
// unresolved endpoint.
type PendingDecision struct {
	Token        string         `json:"token"`
	CampaignID   string         `json:"campaign_id"`
	Entity       *common.Entity `json:"entity"`
	CandidateIDs []string       `json:"candidate_ids"`
	Reasoning    string         `json:"reasoning,omitempty"`
	Confidence   string         `json:"confidence,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`

	DeferredRelations []*common.Entity `json:"-"`
}

type sessionEntry struct {
	mu      sync.Mutex
	pending PendingDecision
}

func (e *sessionEntry) snapshot() *PendingDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := e.pending
	copied.DeferredRelations = append([]*common.Entity(nil), e.pending.DeferredRelations...)
	return &copied
}

// SessionManager is the process-wide registry of pending decisions. It is
// constructed once at startup and injected; there is no package-level
// instance.
//
// Entries are keyed by token in one concurrent map and by an entity
// fingerprint (campaign, kind, display key) in a second. The fingerprint
// index enforces single-flight: registering an equivalent entity while one
// is already pending yields the existing token instead of a second session.
// Every entry transition is terminal, an entry is either resolved (taken)
// or expired (evicted), never both.
type SessionManager struct {
	ttl time.Duration

	entries      sync.Map // token -> *sessionEntry
	fingerprints sync.Map // fingerprint -> token

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSessionManager creates a registry with the given TTL and starts its
// eviction ticker. Close stops the ticker.
func NewSessionManager(ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	m := &SessionManager{
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

func (m *SessionManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Register stores a pending decision and returns its session token. If an
// equivalent entity is already pending, the existing token is returned
// together with ErrDuplicatePending so the caller can reuse that session.
func (m *SessionManager) Register(pending PendingDecision) (string, error) {
	token, err := gonanoid.New()
	if err != nil {
		return "", err
	}
	pending.Token = token
	pending.CreatedAt = time.Now()

	fingerprint := entityFingerprint(pending.Entity)
	entry := &sessionEntry{pending: pending}
	m.entries.Store(token, entry)

	for {
		existing, loaded := m.fingerprints.LoadOrStore(fingerprint, token)
		if !loaded {
			return token, nil
		}
		existingToken := existing.(string)
		if live, ok := m.entries.Load(existingToken); ok && !m.expired(live.(*sessionEntry)) {
			m.entries.Delete(token)
			return existingToken, ErrDuplicatePending
		}
		// Stale fingerprint of an expired or resolved entry; claim it.
		m.removeToken(existingToken, fingerprint)
	}
}

// Get returns a snapshot of the pending decision for token. Expired entries
// are evicted on access and reported as ErrSessionExpired.
func (m *SessionManager) Get(token string) (*PendingDecision, error) {
	value, ok := m.entries.Load(token)
	if !ok {
		return nil, ErrSessionNotFound
	}
	entry := value.(*sessionEntry)
	if m.expired(entry) {
		m.removeToken(token, entityFingerprint(entry.pending.Entity))
		return nil, ErrSessionExpired
	}
	return entry.snapshot(), nil
}

// Take atomically removes and returns the pending decision for token. Used
// by the coordinator when a human resolves the case.
func (m *SessionManager) Take(token string) (*PendingDecision, error) {
	value, ok := m.entries.LoadAndDelete(token)
	if !ok {
		return nil, ErrSessionNotFound
	}
	entry := value.(*sessionEntry)
	m.fingerprints.CompareAndDelete(entityFingerprint(entry.pending.Entity), token)
	if m.expired(entry) {
		return nil, ErrSessionExpired
	}
	return entry.snapshot(), nil
}

// AttachRelations appends deferred relations to a live pending decision.
func (m *SessionManager) AttachRelations(token string, relations ...*common.Entity) error {
	value, ok := m.entries.Load(token)
	if !ok {
		return ErrSessionNotFound
	}
	entry := value.(*sessionEntry)
	if m.expired(entry) {
		m.removeToken(token, entityFingerprint(entry.pending.Entity))
		return ErrSessionExpired
	}
	entry.mu.Lock()
	entry.pending.DeferredRelations = append(entry.pending.DeferredRelations, relations...)
	entry.mu.Unlock()
	return nil
}

// FindByArtifactName returns the token of a live pending artifact with the
// given name in a campaign, if any. Used to defer relation dedup while an
// endpoint artifact is still unresolved.
func (m *SessionManager) FindByArtifactName(campaignID, name string) (string, bool) {
	normalized := common.NormalizeKeyPart(name)
	var token string
	m.entries.Range(func(key, value any) bool {
		entry := value.(*sessionEntry)
		// AttachRelations appends to the entry concurrently; read the
		// fields we need under the entry lock instead of copying pending.
		entry.mu.Lock()
		campaign := entry.pending.CampaignID
		artifact := entry.pending.Entity
		entry.mu.Unlock()
		if campaign != campaignID || artifact == nil {
			return true
		}
		if artifact.Kind != common.KindArtifact || m.expired(entry) {
			return true
		}
		if common.NormalizeKeyPart(artifact.Name) == normalized {
			token = key.(string)
			return false
		}
		return true
	})
	return token, token != ""
}

func (m *SessionManager) evictLoop() {
	interval := m.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *SessionManager) evictExpired() {
	m.entries.Range(func(key, value any) bool {
		entry := value.(*sessionEntry)
		if m.expired(entry) {
			token := key.(string)
			m.removeToken(token, entityFingerprint(entry.pending.Entity))
			logger.Debug("[Dedupe] Evicted expired session", "token", token, "campaign_id", entry.pending.CampaignID)
		}
		return true
	})
}

func (m *SessionManager) expired(entry *sessionEntry) bool {
	return time.Since(entry.pending.CreatedAt) >= m.ttl
}

func (m *SessionManager) removeToken(token, fingerprint string) {
	m.entries.Delete(token)
	m.fingerprints.CompareAndDelete(fingerprint, token)
}

func entityFingerprint(entity *common.Entity) string {
	if entity == nil {
		return ""
	}
	return entity.CampaignID + "|" + string(entity.Kind) + "|" + entity.DisplayKey()
}

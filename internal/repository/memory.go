package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/duochat/signal-server/internal/model"
)

// MemoryStore keeps sessions, candidates and chat messages in process. One
// mutex guards all of them, which gives the same atomicity the Postgres
// repositories get from transactions and row locks.
type MemoryStore struct {
	mu              sync.Mutex
	sessions        map[string]*model.Session
	active          map[string]string
	lastSeen        map[string]time.Time
	candidates      map[candidateKey][]model.CandidateEnvelope
	messages        map[string][]model.ChatMessage
	nextCandidateID int64
	now             func() time.Time
}

type candidateKey struct {
	sessionID string
	senderID  string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*model.Session),
		active:     make(map[string]string),
		lastSeen:   make(map[string]time.Time),
		candidates: make(map[candidateKey][]model.CandidateEnvelope),
		messages:   make(map[string][]model.ChatMessage),
		now:        time.Now,
	}
}

func (s *MemoryStore) Sessions() SessionRepository {
	return &memorySessionRepo{s}
}

func (s *MemoryStore) Candidates() CandidateRepository {
	return &memoryCandidateRepo{s}
}

func (s *MemoryStore) Messages() ChatMessageRepository {
	return &memoryChatMessageRepo{s}
}

type memorySessionRepo struct {
	s *MemoryStore
}

func (r *memorySessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if session, ok := r.s.sessions[id]; ok {
		return session.Clone(), nil
	}
	return nil, nil
}

func (r *memorySessionRepo) FindActiveByParticipant(ctx context.Context, participantID string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if id, ok := r.s.active[participantID]; ok {
		return r.s.sessions[id].Clone(), nil
	}
	return nil, nil
}

func (r *memorySessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, busy := r.s.active[params.ParticipantA]; busy {
		return nil, ErrActiveSessionExists
	}
	if _, busy := r.s.active[params.ParticipantB]; busy {
		return nil, ErrActiveSessionExists
	}

	now := r.s.now()
	b := params.ParticipantB
	session := &model.Session{
		ID:           params.ID,
		ParticipantA: params.ParticipantA,
		ParticipantB: &b,
		State:        model.SessionStateNegotiating,
		InitiatorID:  params.InitiatorID,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.s.sessions[session.ID] = session
	r.s.active[params.ParticipantA] = session.ID
	r.s.active[params.ParticipantB] = session.ID
	r.s.lastSeen[params.ParticipantA] = now
	r.s.lastSeen[params.ParticipantB] = now

	return session.Clone(), nil
}

// update applies fn to the session when allowed reports true.
func (r *memorySessionRepo) update(id string, allowed func(*model.Session) bool, fn func(*model.Session)) *model.Session {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	session, ok := r.s.sessions[id]
	if !ok || !allowed(session) {
		return nil
	}
	fn(session)
	session.Version++
	session.UpdatedAt = r.s.now()
	return session.Clone()
}

func (r *memorySessionRepo) SetOffer(ctx context.Context, id string, offer []byte) (*model.Session, error) {
	return r.update(id,
		func(s *model.Session) bool {
			return s.State.IsActive() && s.State != model.SessionStateEstablished
		},
		func(s *model.Session) {
			s.Offer = append([]byte(nil), offer...)
			s.OfferRevision++
			s.Answer = nil
			s.State = model.SessionStateOfferSent
		},
	), nil
}

func (r *memorySessionRepo) SetAnswer(ctx context.Context, id string, offerRevision int64, answer []byte) (*model.Session, error) {
	return r.update(id,
		func(s *model.Session) bool {
			return s.State == model.SessionStateOfferSent && s.OfferRevision == offerRevision
		},
		func(s *model.Session) {
			s.Answer = append([]byte(nil), answer...)
			s.AnswerRevision = offerRevision
			s.State = model.SessionStateAnswerSent
		},
	), nil
}

func (r *memorySessionRepo) MarkEstablished(ctx context.Context, id string) (*model.Session, error) {
	return r.update(id,
		func(s *model.Session) bool { return s.State == model.SessionStateAnswerSent },
		func(s *model.Session) { s.State = model.SessionStateEstablished },
	), nil
}

func (r *memorySessionRepo) MarkEnded(ctx context.Context, id string, endedBy string, reason model.EndReason) (*model.Session, error) {
	return r.update(id,
		func(s *model.Session) bool { return s.State.IsActive() },
		func(s *model.Session) {
			now := r.s.now()
			s.State = model.SessionStateEnded
			s.EndedBy = &endedBy
			s.EndReason = &reason
			s.EndedAt = &now
			for _, p := range s.Participants() {
				if r.s.active[p] == s.ID {
					delete(r.s.active, p)
					delete(r.s.lastSeen, p)
				}
			}
		},
	), nil
}

func (r *memorySessionRepo) DeleteEndedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var deleted int64
	for id, session := range r.s.sessions {
		if session.State != model.SessionStateEnded || session.EndedAt == nil || !session.EndedAt.Before(before) {
			continue
		}
		delete(r.s.sessions, id)
		delete(r.s.messages, id)
		for _, p := range session.Participants() {
			delete(r.s.candidates, candidateKey{id, p})
		}
		deleted++
	}
	return deleted, nil
}

func (r *memorySessionRepo) TouchParticipant(ctx context.Context, sessionID, participantID string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.active[participantID] != sessionID {
		return false, nil
	}
	r.s.lastSeen[participantID] = at
	return true, nil
}

func (r *memorySessionRepo) ListIdleParticipants(ctx context.Context, before time.Time) ([]model.IdleParticipant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var idle []model.IdleParticipant
	for p, seen := range r.s.lastSeen {
		if seen.Before(before) {
			idle = append(idle, model.IdleParticipant{SessionID: r.s.active[p], ParticipantID: p})
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].SessionID != idle[j].SessionID {
			return idle[i].SessionID < idle[j].SessionID
		}
		return idle[i].ParticipantID < idle[j].ParticipantID
	})
	return idle, nil
}

// checkActive must be called with the store mutex held.
func (s *MemoryStore) checkActive(sessionID string) error {
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if !session.State.IsActive() {
		return ErrSessionNotActive
	}
	return nil
}

type memoryCandidateRepo struct {
	s *MemoryStore
}

func (r *memoryCandidateRepo) Append(ctx context.Context, params model.CreateCandidateParams) (*model.CandidateEnvelope, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if err := r.s.checkActive(params.SessionID); err != nil {
		return nil, err
	}

	key := candidateKey{params.SessionID, params.SenderID}
	r.s.nextCandidateID++
	envelope := model.CandidateEnvelope{
		ID:        r.s.nextCandidateID,
		SessionID: params.SessionID,
		SenderID:  params.SenderID,
		Sequence:  int64(len(r.s.candidates[key])) + 1,
		Payload:   append([]byte(nil), params.Payload...),
		CreatedAt: r.s.now(),
	}
	r.s.candidates[key] = append(r.s.candidates[key], envelope)

	out := envelope
	out.Payload = append([]byte(nil), envelope.Payload...)
	return &out, nil
}

func (r *memoryCandidateRepo) ListAfter(ctx context.Context, sessionID, senderID string, afterSequence int64) ([]model.CandidateEnvelope, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []model.CandidateEnvelope
	for _, env := range r.s.candidates[candidateKey{sessionID, senderID}] {
		if env.Sequence > afterSequence {
			env.Payload = append([]byte(nil), env.Payload...)
			out = append(out, env)
		}
	}
	return out, nil
}

type memoryChatMessageRepo struct {
	s *MemoryStore
}

func (r *memoryChatMessageRepo) Append(ctx context.Context, params model.CreateChatMessageParams) (*model.ChatMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if err := r.s.checkActive(params.SessionID); err != nil {
		return nil, err
	}

	existing := r.s.messages[params.SessionID]
	createdAt := r.s.now()
	if n := len(existing); n > 0 && existing[n-1].CreatedAt.After(createdAt) {
		createdAt = existing[n-1].CreatedAt
	}

	msg := model.ChatMessage{
		ID:        params.ID,
		SessionID: params.SessionID,
		SenderID:  params.SenderID,
		Content:   params.Content,
		Sequence:  int64(len(existing)) + 1,
		CreatedAt: createdAt,
	}
	r.s.messages[params.SessionID] = append(existing, msg)
	return &msg, nil
}

func (r *memoryChatMessageRepo) ListAfter(ctx context.Context, sessionID string, afterSequence int64) ([]model.ChatMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []model.ChatMessage
	for _, msg := range r.s.messages[sessionID] {
		if msg.Sequence > afterSequence {
			out = append(out, msg)
		}
	}
	return out, nil
}

type memoryPresenceRepo struct {
	mu      sync.Mutex
	records map[string]time.Time
}

func NewMemoryPresenceRepository() PresenceRepository {
	return &memoryPresenceRepo{records: make(map[string]time.Time)}
}

func (r *memoryPresenceRepo) Upsert(ctx context.Context, participantID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[participantID] = at
	return nil
}

func (r *memoryPresenceRepo) Touch(ctx context.Context, participantID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[participantID]; !ok {
		return false, nil
	}
	r.records[participantID] = at
	return true, nil
}

func (r *memoryPresenceRepo) Remove(ctx context.Context, participantID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[participantID]
	delete(r.records, participantID)
	return ok, nil
}

func (r *memoryPresenceRepo) Find(ctx context.Context, participantID string) (*model.PresenceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.records[participantID]
	if !ok {
		return nil, nil
	}
	return &model.PresenceRecord{ParticipantID: participantID, Available: true, LastHeartbeat: at}, nil
}

func (r *memoryPresenceRepo) ListAvailable(ctx context.Context) ([]model.PresenceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]model.PresenceRecord, 0, len(r.records))
	for id, at := range r.records {
		records = append(records, model.PresenceRecord{ParticipantID: id, Available: true, LastHeartbeat: at})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastHeartbeat.Equal(records[j].LastHeartbeat) {
			return records[i].ParticipantID < records[j].ParticipantID
		}
		return records[i].LastHeartbeat.Before(records[j].LastHeartbeat)
	})
	return records, nil
}

func (r *memoryPresenceRepo) Claim(ctx context.Context, required []string, optional []string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range required {
		if _, ok := r.records[id]; !ok {
			return false, nil
		}
	}
	for _, id := range required {
		delete(r.records, id)
	}
	for _, id := range optional {
		delete(r.records, id)
	}
	return true, nil
}

func (r *memoryPresenceRepo) RemoveStale(ctx context.Context, before time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, at := range r.records {
		if at.Before(before) {
			removed = append(removed, id)
			delete(r.records, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brandmeonline/integrity-spine/pkg/errkind"
	"github.com/brandmeonline/integrity-spine/pkg/privacy"
)

// MemoryStore keeps chains in process memory for tests and locally wired
// nodes.
type MemoryStore struct {
	mu      sync.RWMutex
	chains  map[string][]Entry
	anchors map[string]*ChainAnchor
	nextSeq int64
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:  make(map[string][]Entry),
		anchors: make(map[string]*ChainAnchor),
		clock:   time.Now,
	}
}

// WithClock overrides the entry timestamp source for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Append(ctx context.Context, p AppendParams) (*Entry, error) {
	if p.SubjectID == "" {
		return nil, errkind.New(errkind.Validation, "subject_id is required")
	}
	if p.Summary == "" {
		return nil, errkind.New(errkind.Validation, "decision summary is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[p.SubjectID]
	prev := ""
	if n := len(chain); n > 0 {
		prev = chain[n-1].EntryHash
	}
	createdAt := StampTime(s.clock())
	detail := copyDetail(p.Detail)
	hash, err := EntryHash(prev, p.Summary, detail, createdAt)
	if err != nil {
		return nil, err
	}
	s.nextSeq++
	entry := Entry{
		Seq:              s.nextSeq,
		EntryID:          uuid.New().String(),
		SubjectID:        p.SubjectID,
		DecisionSummary:  p.Summary,
		DecisionDetail:   detail,
		RegionCode:       p.RegionCode,
		RiskFlagged:      p.RiskFlagged,
		EscalatedToHuman: p.Escalated,
		PrevHash:         prev,
		EntryHash:        hash,
		CreatedAt:        createdAt,
	}
	s.chains[p.SubjectID] = append(chain, entry)
	out := entry
	return &out, nil
}

func (s *MemoryStore) Chain(ctx context.Context, subjectID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[subjectID]
	out := make([]Entry, len(chain))
	copy(out, chain)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *MemoryStore) Tail(ctx context.Context, subjectID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[subjectID]
	if len(chain) == 0 {
		return nil, errkind.New(errkind.NotFound, "no audit chain for subject %s", subjectID)
	}
	out := chain[len(chain)-1]
	return &out, nil
}

func (s *MemoryStore) UpsertAnchor(ctx context.Context, a *ChainAnchor) error {
	if a == nil || a.SubjectID == "" {
		return errkind.New(errkind.Validation, "anchor subject_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.anchors[a.SubjectID]
	if !ok {
		cp := *a
		s.anchors[a.SubjectID] = &cp
		return nil
	}
	if a.CardanoTxHash != "" {
		existing.CardanoTxHash = a.CardanoTxHash
	}
	if a.MidnightTxHash != "" {
		existing.MidnightTxHash = a.MidnightTxHash
	}
	if a.CrosschainRootHash != "" {
		existing.CrosschainRootHash = a.CrosschainRootHash
	}
	if a.AnchoredAt != nil {
		at := *a.AnchoredAt
		existing.AnchoredAt = &at
	}
	return nil
}

func (s *MemoryStore) Anchor(ctx context.Context, subjectID string) (*ChainAnchor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anchors[subjectID]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

func (s *MemoryStore) PendingEscalations(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, chain := range s.chains {
		for _, e := range chain {
			if e.EscalatedToHuman && e.HumanApproverID == "" {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *MemoryStore) Decide(ctx context.Context, subjectID string, approved bool, reviewerID, note string) (*Entry, error) {
	if reviewerID == "" {
		return nil, errkind.New(errkind.Validation, "reviewer_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[subjectID]
	if len(chain) == 0 {
		return nil, errkind.New(errkind.NotFound, "no audit chain for subject %s", subjectID)
	}
	tail := &chain[len(chain)-1]
	if !tail.EscalatedToHuman || tail.HumanApproverID != "" {
		return nil, errkind.New(errkind.Conflict, "subject %s has no pending escalation at the chain tail", subjectID)
	}

	updated, err := decideEntry(tail, approved, reviewerID, note)
	if err != nil {
		return nil, err
	}
	chain[len(chain)-1] = *updated
	out := *updated
	return &out, nil
}

// decideEntry applies a reviewer verdict to a pending tail entry and
// recomputes its hash. The verdict itself lives in the hashed detail so a
// flipped decision is detectable; only the tail may be rewritten or every
// later link would break.
func decideEntry(tail *Entry, approved bool, reviewerID, note string) (*Entry, error) {
	updated := *tail
	updated.DecisionSummary = tail.DecisionSummary + "/human_decision"
	updated.DecisionDetail = copyDetail(tail.DecisionDetail)
	updated.DecisionDetail["human_decision"] = approved
	updated.HumanApproverID = reviewerID
	updated.GovernanceNote = privacy.ScrubText(note)
	updated.GovernanceApproved = &approved
	updated.EscalatedToHuman = false

	hash, err := EntryHash(updated.PrevHash, updated.DecisionSummary, updated.DecisionDetail, StampTime(updated.CreatedAt))
	if err != nil {
		return nil, err
	}
	updated.EntryHash = hash
	return &updated, nil
}

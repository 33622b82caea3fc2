package memstore

import (
	"context"
	"sort"

	"github.com/boddenberg/ledger-ingest-go/internal/domain"
)

func (s *Store) CreateSession(_ context.Context, sess *domain.ImportSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		return &domain.ErrValidation{Field: "id", Message: "required"}
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return &domain.ErrConflict{Message: "import session already exists: " + sess.ID}
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.ImportSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "import session", ID: id}
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) UpdateSessionResult(_ context.Context, id string, summary domain.ImportSummary, cursorOut string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return &domain.ErrNotFound{Resource: "import session", ID: id}
	}
	sess.Summary = summary
	sess.CursorOut = cursorOut
	return nil
}

func (s *Store) InsertStaged(_ context.Context, rows []domain.StagedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range rows {
		if _, ok := s.stagedByID[rows[i].ID]; ok || rows[i].ID == "" {
			return &domain.ErrConflict{Message: "staged transaction id missing or reused: " + rows[i].ID}
		}
	}
	for i := range rows {
		if rows[i].CreatedAt.IsZero() {
			rows[i].CreatedAt = s.now()
		}
		row := cloneStaged(&rows[i])
		s.staged = append(s.staged, &row)
		s.stagedByID[row.ID] = &row
	}
	return nil
}

func (s *Store) GetStaged(_ context.Context, id string) (*domain.StagedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.stagedByID[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "staged transaction", ID: id}
	}
	cp := cloneStaged(row)
	return &cp, nil
}

var statusRank = map[domain.StagingStatus]int{
	domain.StatusExcluded:      1,
	domain.StatusReady:         2,
	domain.StatusNeedsCategory: 3,
	domain.StatusDuplicate:     4,
}

func rankOf(st domain.StagingStatus) int {
	if r, ok := statusRank[st]; ok {
		return r
	}
	return 5
}

func (s *Store) ListStaged(_ context.Context, sessionID string, statuses []domain.StagingStatus) ([]domain.StagedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[domain.StagingStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []domain.StagedTransaction
	for _, row := range s.staged {
		if row.SessionID != sessionID {
			continue
		}
		if len(want) > 0 && !want[row.Status] {
			continue
		}
		out = append(out, cloneStaged(row))
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rankOf(out[i].Status), rankOf(out[j].Status)
		if ri != rj {
			return ri < rj
		}
		return out[i].Date.After(out[j].Date)
	})
	return out, nil
}

func (s *Store) UpdateStaged(_ context.Context, row *domain.StagedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.stagedByID[row.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "staged transaction", ID: row.ID}
	}
	// Only review fields are mutable; the hash and raw snapshot stay as created.
	cur.Status = row.Status
	cur.ExcludeReason = row.ExcludeReason
	cur.Category = cloneRef(row.Category)
	return nil
}

func (s *Store) ListPendingLinked(_ context.Context, sessionID string) ([]domain.StagedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StagedTransaction
	for _, row := range s.staged {
		if row.SessionID == sessionID && row.PendingTransactionID != "" {
			out = append(out, cloneStaged(row))
		}
	}
	return out, nil
}

func (s *Store) FindAllByExternalID(_ context.Context, externalID string) ([]domain.StagedTransaction, error) {
	if externalID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StagedTransaction
	for _, row := range s.staged {
		if row.ExternalID == externalID {
			out = append(out, cloneStaged(row))
		}
	}
	return out, nil
}

func (s *Store) FindByRawPair(_ context.Context, merchantName, name string, statuses []domain.StagingStatus) ([]domain.StagedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[domain.StagingStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []domain.StagedTransaction
	for _, row := range s.staged {
		if row.MerchantName == merchantName && row.Name == name && (len(want) == 0 || want[row.Status]) {
			out = append(out, cloneStaged(row))
		}
	}
	return out, nil
}

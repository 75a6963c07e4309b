package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krshsl/interviewcoach/backend/models"
)

// MemoryRepository keeps everything in process. It backs the simulate
// command and tests, and mirrors the GORMRepository contracts: missing rows
// are (nil, nil) and CommitTurn is guarded by the session version.
type MemoryRepository struct {
	mu        sync.RWMutex
	now       func() time.Time
	users     map[string]models.User
	companies map[string]models.Company
	resumes   map[string]models.Resume
	intros    map[string]models.SelfIntroduction
	sessions  map[string]models.InterviewSession
	turns     map[string][]models.Turn
	reports   map[string]models.Report
	threads   map[string][]models.ThreadMessage

	// FailUpsertReport, when set, is returned by UpsertReport.
	FailUpsertReport func(*models.Report) error
	// ReportWrites counts successful report upserts.
	ReportWrites int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:       func() time.Time { return time.Now().UTC() },
		users:     make(map[string]models.User),
		companies: make(map[string]models.Company),
		resumes:   make(map[string]models.Resume),
		intros:    make(map[string]models.SelfIntroduction),
		sessions:  make(map[string]models.InterviewSession),
		turns:     make(map[string][]models.Turn),
		reports:   make(map[string]models.Report),
		threads:   make(map[string][]models.ThreadMessage),
	}
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return fmt.Errorf("user %s already exists", user.Email)
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt, user.UpdatedAt = m.now(), m.now()
	m.users[user.ID] = *user
	return nil
}

func (m *MemoryRepository) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (m *MemoryRepository) CreateCompany(_ context.Context, company *models.Company) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if company.ID == "" {
		company.ID = uuid.NewString()
	}
	m.companies[company.ID] = *company
	return nil
}

func (m *MemoryRepository) GetCompany(_ context.Context, id string) (*models.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.companies[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *MemoryRepository) GetCompanyByName(_ context.Context, name string) (*models.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.companies {
		if c.Name == name {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) ListCompanies(context.Context) ([]models.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Company, 0, len(m.companies))
	for _, c := range m.companies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRepository) CreateResume(_ context.Context, resume *models.Resume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resume.ID == "" {
		resume.ID = uuid.NewString()
	}
	resume.CreatedAt = m.now()
	m.resumes[resume.ID] = *resume
	return nil
}

func (m *MemoryRepository) GetResume(_ context.Context, id, userID string) (*models.Resume, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.resumes[id]; ok && r.UserID == userID {
		return &r, nil
	}
	return nil, nil
}

func (m *MemoryRepository) ListResumes(_ context.Context, userID string) ([]models.Resume, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Resume
	for _, r := range m.resumes {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryRepository) CreateSelfIntroduction(_ context.Context, intro *models.SelfIntroduction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intro.ID == "" {
		intro.ID = uuid.NewString()
	}
	intro.CreatedAt = m.now()
	m.intros[intro.ID] = *intro
	return nil
}

func (m *MemoryRepository) GetSelfIntroduction(_ context.Context, id, userID string) (*models.SelfIntroduction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.intros[id]; ok && s.UserID == userID {
		return &s, nil
	}
	return nil, nil
}

func (m *MemoryRepository) ListSelfIntroductions(_ context.Context, userID string) ([]models.SelfIntroduction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SelfIntroduction
	for _, s := range m.intros {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryRepository) CreateInterviewSession(_ context.Context, session *models.InterviewSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Status == "" {
		session.Status = models.SessionActive
	}
	session.CreatedAt, session.UpdatedAt = m.now(), m.now()
	m.sessions[session.ID] = *session
	return nil
}

func (m *MemoryRepository) GetInterviewSession(_ context.Context, id string) (*models.InterviewSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return &s, nil
	}
	return nil, nil
}

func (m *MemoryRepository) ListInterviewSessions(_ context.Context, userID string) ([]models.InterviewSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.InterviewSession
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryRepository) CommitTurn(_ context.Context, session *models.InterviewSession, expectedVersion int, turn *models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[session.ID]
	if !ok || stored.Version != expectedVersion || stored.Status != models.SessionActive {
		return ErrStaleSession
	}
	if turn != nil {
		for _, t := range m.turns[session.ID] {
			if t.Ordinal == turn.Ordinal {
				return fmt.Errorf("turn %d already recorded for session %s", turn.Ordinal, session.ID)
			}
		}
		turn.SessionID = session.ID
		if turn.ID == "" {
			turn.ID = uuid.NewString()
		}
		turn.CreatedAt = m.now()
		m.turns[session.ID] = append(m.turns[session.ID], *turn)
	}

	next := *session
	next.Turns, next.Report = nil, nil
	next.Version = expectedVersion + 1
	next.UpdatedAt = m.now()
	m.sessions[session.ID] = next
	session.Version = next.Version
	return nil
}

func (m *MemoryRepository) CloseInterviewSession(_ context.Context, id string, status models.SessionStatus, endedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionActive {
		return false, nil
	}
	s.Status = status
	s.EndedAt = &endedAt
	s.Version++
	m.sessions[id] = s
	return true, nil
}

func (m *MemoryRepository) GetTurns(_ context.Context, sessionID string) ([]models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]models.Turn(nil), m.turns[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (m *MemoryRepository) GetReport(_ context.Context, sessionID string) (*models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.reports[sessionID]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *MemoryRepository) UpsertReport(_ context.Context, report *models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpsertReport != nil {
		if err := m.FailUpsertReport(report); err != nil {
			return err
		}
	}
	if existing, ok := m.reports[report.SessionID]; ok {
		report.ID = existing.ID
		report.CreatedAt = existing.CreatedAt
	} else {
		if report.ID == "" {
			report.ID = uuid.NewString()
		}
		report.CreatedAt = m.now()
	}
	report.UpdatedAt = m.now()
	m.reports[report.SessionID] = *report
	m.ReportWrites++
	return nil
}

// ReportCount returns the number of stored reports.
func (m *MemoryRepository) ReportCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reports)
}

func (m *MemoryRepository) CreateThread(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.threads[id] = nil
	return id, nil
}

func (m *MemoryRepository) AppendThreadMessage(_ context.Context, threadID, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	m.threads[threadID] = append(msgs, models.ThreadMessage{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Seq:       len(msgs) + 1,
		Role:      role,
		Content:   content,
		CreatedAt: m.now(),
	})
	return nil
}

func (m *MemoryRepository) GetThreadMessages(_ context.Context, threadID string, limit int) ([]models.ThreadMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.threads[threadID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]models.ThreadMessage(nil), msgs...), nil
}

func (m *MemoryRepository) DeleteThread(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	return nil
}

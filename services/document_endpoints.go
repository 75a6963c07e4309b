package services

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/krshsl/interviewcoach/backend/models"
)

// Documents longer than this are rejected; they are replayed into prompts.
const maxDocumentRunes = 20000

// DocumentStore persists the profile documents an interview can reference.
type DocumentStore interface {
	CreateCompany(ctx context.Context, company *models.Company) error
	GetCompanyByName(ctx context.Context, name string) (*models.Company, error)
	ListCompanies(ctx context.Context) ([]models.Company, error)
	CreateResume(ctx context.Context, resume *models.Resume) error
	ListResumes(ctx context.Context, userID string) ([]models.Resume, error)
	CreateSelfIntroduction(ctx context.Context, intro *models.SelfIntroduction) error
	ListSelfIntroductions(ctx context.Context, userID string) ([]models.SelfIntroduction, error)
}

type DocumentEndpoints struct {
	repo DocumentStore
}

type CreateCompanyRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Industry    string `json:"industry"`
}

type CreateDocumentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func NewDocumentEndpoints(repo DocumentStore) *DocumentEndpoints {
	return &DocumentEndpoints{repo: repo}
}

func (e *DocumentEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/companies", func(r chi.Router) {
		r.Post("/", e.CreateCompanyHandler)
		r.Get("/", e.ListCompaniesHandler)
	})
	r.Route("/resumes", func(r chi.Router) {
		r.Post("/", e.CreateResumeHandler)
		r.Get("/", e.ListResumesHandler)
	})
	r.Route("/self-introductions", func(r chi.Router) {
		r.Post("/", e.CreateSelfIntroductionHandler)
		r.Get("/", e.ListSelfIntroductionsHandler)
	})
}

func (e *DocumentEndpoints) CreateCompanyHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateCompanyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required", false)
		return
	}

	existing, err := e.repo.GetCompanyByName(r.Context(), name)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusOK, map[string]any{"company": existing})
		return
	}

	company := models.Company{
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Industry:    strings.TrimSpace(req.Industry),
	}
	if err := e.repo.CreateCompany(r.Context(), &company); err != nil {
		writeAppError(w, r, err)
		return
	}
	slog.Info("Company created", "company_id", company.ID, "name", company.Name)
	writeJSON(w, http.StatusCreated, map[string]any{"company": company})
}

func (e *DocumentEndpoints) ListCompaniesHandler(w http.ResponseWriter, r *http.Request) {
	companies, err := e.repo.ListCompanies(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"companies": companies, "count": len(companies)})
}

func (e *DocumentEndpoints) CreateResumeHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	req, ok := decodeDocument(w, r)
	if !ok {
		return
	}
	resume := models.Resume{UserID: user.ID, Title: req.Title, Content: req.Content}
	if err := e.repo.CreateResume(r.Context(), &resume); err != nil {
		writeAppError(w, r, err)
		return
	}
	slog.Info("Resume created", "resume_id", resume.ID, "user_id", user.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"resume": resume})
}

func (e *DocumentEndpoints) ListResumesHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	resumes, err := e.repo.ListResumes(r.Context(), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumes": resumes, "count": len(resumes)})
}

func (e *DocumentEndpoints) CreateSelfIntroductionHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	req, ok := decodeDocument(w, r)
	if !ok {
		return
	}
	intro := models.SelfIntroduction{UserID: user.ID, Title: req.Title, Content: req.Content}
	if err := e.repo.CreateSelfIntroduction(r.Context(), &intro); err != nil {
		writeAppError(w, r, err)
		return
	}
	slog.Info("Self introduction created", "self_intro_id", intro.ID, "user_id", user.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"self_introduction": intro})
}

func (e *DocumentEndpoints) ListSelfIntroductionsHandler(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	intros, err := e.repo.ListSelfIntroductions(r.Context(), user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"self_introductions": intros, "count": len(intros)})
}

func decodeDocument(w http.ResponseWriter, r *http.Request) (CreateDocumentRequest, bool) {
	var req CreateDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return req, false
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Content = strings.TrimSpace(req.Content)
	switch {
	case req.Title == "" || req.Content == "":
		writeError(w, http.StatusBadRequest, "title and content are required", false)
		return req, false
	case utf8.RuneCountInString(req.Content) > maxDocumentRunes:
		writeError(w, http.StatusBadRequest, "content is too long", false)
		return req, false
	}
	return req, true
}

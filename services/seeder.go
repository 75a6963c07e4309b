package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/krshsl/interviewcoach/backend/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	DemoEmail    = "demo@example.com"
	DemoPassword = "password123"
)

// SeedStore is what the seeder writes through.
type SeedStore interface {
	UserStore
	DocumentStore
}

// DatabaseSeeder inserts a demo user with documents and a few companies.
type DatabaseSeeder struct {
	repo SeedStore
}

// SeedResult names the demo rows so callers can start an interview with them.
type SeedResult struct {
	UserID      string
	CompanyIDs  map[string]string
	ResumeID    string
	SelfIntroID string
}

func NewDatabaseSeeder(repo SeedStore) *DatabaseSeeder {
	return &DatabaseSeeder{repo: repo}
}

var defaultCompanies = []models.Company{
	{
		Name:        "Acme Cloud",
		Description: "Infrastructure company running a managed Kubernetes platform for mid-size teams.",
		Industry:    "Cloud Infrastructure",
	},
	{
		Name:        "Brightpath Health",
		Description: "Healthtech startup building patient scheduling and telemedicine tools.",
		Industry:    "Healthcare",
	},
	{
		Name:        "Northwind Payments",
		Description: "Payments processor focused on low-latency card authorization.",
		Industry:    "Fintech",
	},
}

const demoResume = `Backend engineer, 4 years.
- Northwind Payments (2022-now): built the card authorization gateway in Go, cut p99 latency from 180ms to 60ms.
- Acme Cloud (2020-2022): on-call for the control plane, wrote the cluster upgrade orchestrator.
Skills: Go, PostgreSQL, Kafka, Kubernetes, gRPC.`

const demoSelfIntro = `I'm a backend engineer who likes turning slow, fragile systems into boring, reliable ones.
Most recently I led the rewrite of a payment authorization service and mentored two junior engineers.`

// SeedDatabase seeds the database with demo data (idempotent)
func (s *DatabaseSeeder) SeedDatabase(ctx context.Context) (*SeedResult, error) {
	user, err := s.seedUser(ctx)
	if err != nil {
		return nil, err
	}
	res := &SeedResult{UserID: user.ID, CompanyIDs: make(map[string]string)}

	for _, company := range defaultCompanies {
		id, err := s.seedCompany(ctx, company)
		if err != nil {
			slog.Error("Failed to seed company", "name", company.Name, "error", err)
			continue
		}
		res.CompanyIDs[company.Name] = id
	}

	resumes, err := s.repo.ListResumes(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("error checking resumes: %w", err)
	}
	if len(resumes) > 0 {
		res.ResumeID = resumes[0].ID
	} else {
		resume := models.Resume{UserID: user.ID, Title: "Backend resume", Content: demoResume}
		if err := s.repo.CreateResume(ctx, &resume); err != nil {
			return nil, fmt.Errorf("failed to create resume: %w", err)
		}
		res.ResumeID = resume.ID
	}

	intros, err := s.repo.ListSelfIntroductions(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("error checking self introductions: %w", err)
	}
	if len(intros) > 0 {
		res.SelfIntroID = intros[0].ID
	} else {
		intro := models.SelfIntroduction{UserID: user.ID, Title: "Short intro", Content: demoSelfIntro}
		if err := s.repo.CreateSelfIntroduction(ctx, &intro); err != nil {
			return nil, fmt.Errorf("failed to create self introduction: %w", err)
		}
		res.SelfIntroID = intro.ID
	}

	slog.Info("Database seeding completed successfully", "user_id", res.UserID, "companies", len(res.CompanyIDs))
	return res, nil
}

// seedUser returns the demo user, creating it when missing
func (s *DatabaseSeeder) seedUser(ctx context.Context) (*models.User, error) {
	existingUser, err := s.repo.GetUserByEmail(ctx, DemoEmail)
	if err != nil {
		return nil, fmt.Errorf("error checking user %s: %w", DemoEmail, err)
	}
	if existingUser != nil {
		slog.Info("User already exists, skipping", "email", DemoEmail)
		return existingUser, nil
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(DemoPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user := &models.User{
		Email:    DemoEmail,
		Password: string(hashedPassword),
		FullName: "Demo Candidate",
		Role:     "user",
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", DemoEmail, err)
	}
	slog.Info("Created user", "email", DemoEmail)
	return user, nil
}

func (s *DatabaseSeeder) seedCompany(ctx context.Context, company models.Company) (string, error) {
	existing, err := s.repo.GetCompanyByName(ctx, company.Name)
	if err != nil {
		return "", fmt.Errorf("error checking company %s: %w", company.Name, err)
	}
	if existing != nil {
		return existing.ID, nil
	}
	if err := s.repo.CreateCompany(ctx, &company); err != nil {
		return "", fmt.Errorf("failed to create company %s: %w", company.Name, err)
	}
	slog.Info("Created company", "name", company.Name)
	return company.ID, nil
}

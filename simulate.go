package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/krshsl/interviewcoach/backend/interview"
	"github.com/krshsl/interviewcoach/backend/models"
	"github.com/krshsl/interviewcoach/backend/report"
	"github.com/krshsl/interviewcoach/backend/repository"
	"github.com/krshsl/interviewcoach/backend/services"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Scenario is a scripted candidate: the company to interview for and the
// answers given in order.
type Scenario struct {
	Company string           `yaml:"company"`
	Answers []ScenarioAnswer `yaml:"answers"`
}

type ScenarioAnswer struct {
	Text     string `yaml:"text"`
	FollowUp bool   `yaml:"follow_up"`
}

func loadScenario(r io.Reader) (Scenario, error) {
	var sc Scenario
	if err := yaml.NewDecoder(r).Decode(&sc); err != nil {
		return sc, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if len(sc.Answers) == 0 {
		return sc, errors.New("scenario has no answers")
	}
	return sc, nil
}

func newSimulateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted interview offline and print the transcript and report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if path != "" && path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			sc, err := loadScenario(in)
			if err != nil {
				return err
			}
			return runSimulation(cmd.Context(), offlineConfig(loadConfig()), sc, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&path, "scenario", "f", "-", "scenario YAML file, - for stdin")
	return cmd
}

// offlineConfig strips vendor credentials so a simulation never leaves the
// process.
func offlineConfig(cfg *services.Config) *services.Config {
	out := *cfg
	out.AI.GeminiAPIKey = ""
	out.AI.ElevenLabsKey = ""
	out.Storage.Endpoint = ""
	out.AudioCache.Dir = ""
	if out.JWT.Secret == "" {
		out.JWT.Secret = "simulate"
	}
	return &out
}

func runSimulation(ctx context.Context, cfg *services.Config, sc Scenario, w io.Writer) error {
	repo := repository.NewMemoryRepository()
	server := services.NewServer(cfg, services.Backend{Store: repo, Threads: repo, Locker: repository.NewMemoryLocker()})
	if err := server.InitializeServices(); err != nil {
		return err
	}
	seed, err := services.NewDatabaseSeeder(repo).SeedDatabase(ctx)
	if err != nil {
		return err
	}

	companyID, err := scenarioCompany(ctx, repo, seed, sc.Company)
	if err != nil {
		return err
	}

	interviews := server.Interviews()
	started, err := interviews.StartSession(ctx, interview.StartInput{
		UserID:      seed.UserID,
		CompanyID:   companyID,
		ResumeID:    seed.ResumeID,
		SelfIntroID: seed.SelfIntroID,
	})
	if err != nil {
		return err
	}
	sessionID := started.Session.ID
	printQuestion(w, started.Question)

	completed := false
	for _, answer := range sc.Answers {
		res, err := interviews.SubmitAnswer(ctx, interview.AnswerInput{
			SessionID:       sessionID,
			UserID:          seed.UserID,
			Text:            answer.Text,
			RequestFollowUp: answer.FollowUp,
		})
		if err != nil {
			return fmt.Errorf("answer rejected: %w", err)
		}
		_, _ = fmt.Fprintf(w, "A: %s\n", answer.Text)
		if res.Question == nil {
			_, _ = fmt.Fprintf(w, "-- %s\n", res.ClosingNotice)
			completed = true
			break
		}
		printQuestion(w, *res.Question)
	}

	var rep *report.Result
	if completed {
		rep, err = interviews.GetReport(ctx, sessionID, seed.UserID)
	} else {
		rep, err = interviews.EndSession(ctx, sessionID, seed.UserID)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "\n%s\n", rep.Markdown)
	return nil
}

// scenarioCompany resolves the scenario company, adding it when it is not
// one of the demo companies.
func scenarioCompany(ctx context.Context, repo *repository.MemoryRepository, seed *services.SeedResult, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if id, ok := seed.CompanyIDs[name]; ok {
		return id, nil
	}
	company := models.Company{Name: name}
	if err := repo.CreateCompany(ctx, &company); err != nil {
		return "", err
	}
	return company.ID, nil
}

func printQuestion(w io.Writer, q interview.Question) {
	_, _ = fmt.Fprintf(w, "Q%d [%s]: %s\n", q.Ordinal, q.Type, q.Text)
}

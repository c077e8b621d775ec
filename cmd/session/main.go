package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/database"
	"github.com/stemsi/exstem-session/internal/logger"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/worker"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "exstem-session",
		Short:        "Take a timed assessment from the terminal",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("api", "", "Assessment API base URL (overrides API_BASE_URL)")
	root.PersistentFlags().String("student", "", "Student ID used to seed the question order (overrides STUDENT_ID)")
	root.PersistentFlags().String("probe", "", "Connectivity probe: http, ws or none (overrides PROBE_MODE)")

	root.AddCommand(takeCmd(), inspectCmd(), hashPasswordCmd())
	return root
}

func takeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "take <assessment-id>",
		Short: "Open an assessment and answer it interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess, err := env.sessions().Open(ctx, model.ID(args[0]))
			if err != nil {
				return describeLoadError(err)
			}
			defer sess.Dispose()

			c := newConsole(sess, os.Stdin, cmd.OutOrStdout(), term.IsTerminal(int(os.Stdin.Fd())))
			return c.run(ctx)
		},
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <assessment-id>",
		Short: "Print the assessment summary and any saved progress without starting the clock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			id := model.ID(args[0])
			res, err := env.backend.Fetch(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.IsSubmitted {
				fmt.Fprintf(out, "%s: already submitted at %s\n", id, res.SubmittedAt.Format(time.RFC1123))
				return nil
			}

			a := res.Assessment
			fmt.Fprintf(out, "%s  %s\n", a.ID, a.Title)
			if a.CourseCode != "" {
				fmt.Fprintf(out, "course:    %s %s\n", a.CourseCode, a.CourseTitle)
			}
			fmt.Fprintf(out, "questions: %d\n", a.QuestionCount())
			if !a.EndDate.IsZero() {
				left := worker.RemainingUntil(a.EndDate.Time, time.Now())
				fmt.Fprintf(out, "ends:      %s (%s left)\n", a.EndDate.Format(time.RFC1123), worker.FormatClock(left))
			}
			if p := res.StudentProgress; p != nil {
				fmt.Fprintf(out, "server:    %d answers, %d flagged, sequence %d\n", len(p.Answers), len(p.FlaggedQuestions), p.Sequence)
			}
			if env.journal != nil {
				p, err := env.journal.Get(cmd.Context(), id)
				switch {
				case err != nil:
					fmt.Fprintf(out, "journal:   unavailable (%v)\n", err)
				case p != nil:
					fmt.Fprintf(out, "journal:   %d answers, %d flagged, sequence %d\n", len(p.Answers), len(p.FlaggedQuestions), p.Sequence)
				}
			}
			return nil
		},
	}
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for the development server's TOKEN_PASSWORD_HASH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := readSecret("Password: ")
			if err != nil {
				return err
			}
			if pw == "" {
				return errors.New("password cannot be empty")
			}
			hash, err := service.HashPassword(pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// environment holds the long-lived dependencies of one command run.
type environment struct {
	cfg     *config.Config
	log     zerolog.Logger
	token   string
	backend *repository.AssessmentRepository
	journal *repository.SnapshotRepository
	rdb     *redis.Client
}

func setup(cmd *cobra.Command) (*environment, error) {
	cfg := config.Load()
	flags := cmd.Flags()
	if v, _ := flags.GetString("api"); v != "" {
		cfg.APIBaseURL = strings.TrimRight(v, "/")
	}
	if v, _ := flags.GetString("student"); v != "" {
		cfg.StudentID = v
	}
	if v, _ := flags.GetString("probe"); v != "" {
		cfg.ProbeMode = strings.ToLower(v)
	}

	log := logger.New(os.Stderr, logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	token := cfg.APIToken
	if token == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		t, err := readSecret("API token (leave empty for none): ")
		if err != nil {
			return nil, err
		}
		token = t
	}

	if cfg.StudentID == "" && token != "" {
		id, err := service.StudentIDFromToken(token)
		if err != nil {
			log.Warn().Err(err).Msg("Cannot read student ID from token")
		} else {
			cfg.StudentID = id
		}
	}
	if cfg.StudentID == "" {
		return nil, errors.New("student ID is required: set STUDENT_ID, pass --student or use a student token")
	}

	env := &environment{
		cfg:     cfg,
		log:     log,
		token:   token,
		backend: repository.NewAssessmentRepository(cfg.APIBaseURL, token, cfg.RequestTimeout, log),
	}

	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
		defer cancel()
		rdb, err := database.NewRedisClient(ctx, cfg.RedisURL, cfg.RequestTimeout, log)
		if err != nil {
			log.Warn().Err(err).Msg("Snapshot journal disabled")
		} else {
			env.rdb = rdb
			env.journal = repository.NewSnapshotRepository(rdb, cfg.StudentID, cfg.SnapshotTTL)
		}
	}

	return env, nil
}

func (e *environment) sessions() *service.SessionService {
	opts := service.OptionsFromConfig(e.cfg)
	opts.Prober = e.prober()
	if e.journal != nil {
		opts.Journal = e.journal
	}
	return service.NewSessionService(e.backend, opts, e.log)
}

// prober builds the connectivity probe selected by PROBE_MODE.
func (e *environment) prober() func(model.ID) worker.Prober {
	switch e.cfg.ProbeMode {
	case config.ProbeModeHTTP:
		healthURL := e.cfg.APIBaseURL + "/health"
		client := &http.Client{Timeout: e.cfg.RequestTimeout}
		header := e.authHeader()
		return func(model.ID) worker.Prober {
			return &worker.HTTPProber{Client: client, URL: healthURL, Header: header}
		}
	case config.ProbeModeWS:
		return func(id model.ID) worker.Prober {
			return &worker.WSProber{URL: streamURL(e.cfg, id, e.token)}
		}
	default:
		return nil
	}
}

func (e *environment) authHeader() http.Header {
	h := http.Header{}
	if e.token != "" {
		h.Set("Authorization", "Bearer "+e.token)
	}
	return h
}

func (e *environment) close() {
	if e.rdb != nil {
		e.rdb.Close()
	}
}

// streamURL resolves STREAM_URL, replacing {id}, or derives the stream
// endpoint from the API base URL.
func streamURL(cfg *config.Config, id model.ID, token string) string {
	raw := cfg.StreamURL
	if raw == "" {
		base := strings.TrimSuffix(cfg.APIBaseURL, "/api")
		base = strings.Replace(base, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
		raw = base + "/ws/v1/student/assessments/{id}/stream"
	}
	raw = strings.ReplaceAll(raw, "{id}", url.PathEscape(id.String()))
	if token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func describeLoadError(err error) error {
	var le *model.LoadError
	if errors.As(err, &le) && errors.Is(err, model.ErrAlreadySubmitted) {
		if le.SubmittedAt.IsZero() {
			return fmt.Errorf("assessment %s was already submitted", le.AssessmentID)
		}
		return fmt.Errorf("assessment %s was already submitted at %s", le.AssessmentID, le.SubmittedAt.Format(time.RFC1123))
	}
	return err
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

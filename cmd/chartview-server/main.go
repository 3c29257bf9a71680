package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/chartview/internal/config"
	"github.com/ehr/chartview/internal/domain/assistant"
	"github.com/ehr/chartview/internal/domain/portal"
	"github.com/ehr/chartview/internal/domain/records"
	"github.com/ehr/chartview/internal/domain/review"
	"github.com/ehr/chartview/internal/platform/auth"
	"github.com/ehr/chartview/internal/platform/db"
	"github.com/ehr/chartview/internal/platform/llm"
	"github.com/ehr/chartview/internal/platform/middleware"
	"github.com/ehr/chartview/internal/platform/pdfimport"
	"github.com/ehr/chartview/internal/platform/sandbox"
	"github.com/ehr/chartview/internal/platform/websocket"
)

const redisKeyPrefix = "chartview"

func main() {
	rootCmd := &cobra.Command{
		Use:   "chartview-server",
		Short: "Clinical records viewer and patient portal API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(importPDFCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// newPGRecords builds a records service whose multi-step writes share one
// transaction.
func newPGRecords(pool *pgxpool.Pool) *records.Service {
	return records.NewService(records.NewPatientRepoPG(pool), records.NewDocumentRepoPG(pool)).
		WithTransactions(func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, db.Migrations())
			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the seed file into postgres (and redis, when configured)",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.UsePostgres() {
				return fmt.Errorf("seed needs STORE_BACKEND=postgres; the memory store is seeded on serve")
			}
			if file == "" {
				file = cfg.SeedFile
			}
			seed, err := sandbox.Load(file)
			if err != nil {
				return err
			}

			ctx := context.Background()
			logger := newLogger(cfg.Env)
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			recs := newPGRecords(pool)
			opts := sandbox.Options{
				Patients: records.NewPatientRepoPG(pool),
				Records:  recs,
				Profiles: portal.NewService(recs, portal.NewProfileRepoPG(pool), nil, portal.ShareConfig{}, logger),
				Logger:   logger,
			}
			if cfg.UseRedis() {
				client, err := newRedisClient(cfg.RedisURL)
				if err != nil {
					return err
				}
				defer client.Close()
				opts.Conversations = assistant.NewRedisStore(client, redisKeyPrefix)
			}

			res, err := sandbox.NewSeeder(opts).Apply(ctx, seed)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d patient(s), %d document(s), %d profile(s), %d conversation(s).\n",
				res.Patients, res.Documents, res.Profiles, res.Conversations)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Seed file (defaults to SEED_FILE, then the built-in demo chart)")
	return cmd
}

func importPDFCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-pdf <file>",
		Short: "Import a PDF as a pending document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetString("patient")
			opts := pdfimport.Options{}
			opts.Title, _ = cmd.Flags().GetString("title")
			opts.Type, _ = cmd.Flags().GetString("type")
			opts.Provider, _ = cmd.Flags().GetString("provider")
			opts.DateOfService, _ = cmd.Flags().GetString("date")
			opts.MaxParagraphs, _ = cmd.Flags().GetInt("max-paragraphs")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			doc, err := pdfimport.Import(args[0], opts)
			if err != nil {
				return err
			}
			if dryRun {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.UsePostgres() {
				return fmt.Errorf("import-pdf stores into postgres; set STORE_BACKEND=postgres or use --dry-run")
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			recs := newPGRecords(pool)
			if err := recs.AddDocument(ctx, patientID, doc); err != nil {
				return err
			}
			fmt.Printf("Imported %s as %s (%d paragraph(s)) for %s.\n", args[0], doc.ID, len(doc.Paragraphs), patientID)
			return nil
		},
	}
	cmd.Flags().String("patient", "", "Patient the document belongs to")
	cmd.Flags().String("title", "", "Document title (defaults to the file name)")
	cmd.Flags().String("type", "clinical_note", "lab_result, clinical_note, imaging or procedure")
	cmd.Flags().String("provider", "", "Issuing provider")
	cmd.Flags().String("date", "", "Date of service (YYYY-MM-DD)")
	cmd.Flags().Int("max-paragraphs", 0, "Keep at most this many paragraphs (0 keeps all)")
	cmd.Flags().Bool("dry-run", false, "Print the parsed document instead of storing it")
	cmd.MarkFlagRequired("patient")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("role")
			patientID, _ := cmd.Flags().GetString("patient")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := issueToken(cfg, subject, roles, patientID, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "Subject (user id)")
	cmd.Flags().StringSlice("role", []string{auth.RoleClinician}, "Roles: clinician, patient, admin")
	cmd.Flags().String("patient", "", "Patient id bound to a patient-role token")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("sub")
	return cmd
}

func issueToken(cfg *config.Config, subject string, roles []string, patientID string, ttl time.Duration, now time.Time) (string, error) {
	for _, r := range roles {
		if r != auth.RoleClinician && r != auth.RolePatient && r != auth.RoleAdmin {
			return "", fmt.Errorf("unknown role %q", r)
		}
		if r == auth.RolePatient && patientID == "" {
			return "", fmt.Errorf("a patient token needs --patient")
		}
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	return auth.IssueToken(auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.AuthIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles:     roles,
		PatientID: patientID,
	}, []byte(cfg.AuthSigningKey))
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opt), nil
}

// healthChecker is one component reported by /health.
type healthChecker interface {
	Name() string
	Check(ctx context.Context) (interface{}, error)
}

type redisChecker struct {
	store *assistant.RedisStore
}

func (r redisChecker) Name() string { return "redis" }

func (r redisChecker) Check(ctx context.Context) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.store.Ping(ctx); err != nil {
		return map[string]bool{"healthy": false}, err
	}
	return map[string]bool{"healthy": true}, nil
}

type hubChecker struct {
	hub *websocket.Hub
}

func (h hubChecker) Name() string { return "websocket" }

func (h hubChecker) Check(context.Context) (interface{}, error) {
	return map[string]int{"clients": h.hub.ClientCount()}, nil
}

func healthHandler(checkers []healthChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		status := http.StatusOK
		body := map[string]interface{}{"status": "ok"}
		components := make(map[string]interface{}, len(checkers))
		for _, ch := range checkers {
			detail, err := ch.Check(c.Request().Context())
			entry := map[string]interface{}{"detail": detail}
			if err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				entry["error"] = err.Error()
			}
			components[ch.Name()] = entry
		}
		if len(components) > 0 {
			body["components"] = components
		}
		return c.JSON(status, body)
	}
}

// server is the wired application. close releases background work and
// connections in reverse order of acquisition.
type server struct {
	echo      *echo.Echo
	records   *records.Service
	assistant *assistant.Service
	review    *review.Service
	closers   []func()
}

func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	srv := &server{}
	var checkers []healthChecker

	var (
		patients records.PatientRepository
		recs     *records.Service
		profiles portal.ProfileRepository
	)
	if cfg.UsePostgres() {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		srv.closers = append(srv.closers, pool.Close)
		logger.Info().Msg("connected to database")
		patients = records.NewPatientRepoPG(pool)
		recs = newPGRecords(pool)
		profiles = portal.NewProfileRepoPG(pool)
		checkers = append(checkers, db.Checker{Pool: pool})
	} else {
		mem := records.NewMemoryStore()
		patients = mem.Patients()
		recs = records.NewService(patients, mem.Documents())
		profiles = portal.NewMemoryProfileRepo()
	}

	var conversations assistant.ConversationStore
	if cfg.UseRedis() {
		client, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			srv.close()
			return nil, err
		}
		srv.closers = append(srv.closers, func() { client.Close() })
		store := assistant.NewRedisStore(client, redisKeyPrefix)
		conversations = store
		checkers = append(checkers, redisChecker{store: store})
	} else {
		conversations = assistant.NewMemoryStore()
	}

	hub := websocket.NewHub(logger)
	checkers = append(checkers, hubChecker{hub: hub})
	scripts := assistant.NewScriptSet()

	var responder assistant.Responder
	if cfg.AssistantMode == "openai" {
		client := llm.NewClient(llm.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
		responder = assistant.NewLiveResponder(client, recs, logger)
	}

	chat := assistant.NewService(assistant.Options{
		Store:     conversations,
		Scripts:   scripts,
		Patients:  recs,
		Responder: responder,
		Publisher: hub,
		Latency:   cfg.ReplyLatency,
		Logger:    logger,
	})
	srv.closers = append(srv.closers, chat.Close)
	rev := review.NewService(recs, hub, cfg.HighlightDuration, logger)
	srv.closers = append(srv.closers, rev.Close)

	portalSvc := portal.NewService(recs, profiles, chat, portal.ShareConfig{
		SigningKey: []byte(cfg.ShareSigningKey),
		BaseURL:    cfg.ShareBaseURL,
		TTL:        cfg.ShareTTL,
	}, logger)

	seed, err := sandbox.Load(cfg.SeedFile)
	if err != nil {
		srv.close()
		return nil, err
	}
	seeder := sandbox.NewSeeder(sandbox.Options{
		Patients:      patients,
		Records:       recs,
		Profiles:      portalSvc,
		Scripts:       scripts,
		Conversations: conversations,
		Resetter:      chat,
		Logger:        logger,
	})
	if _, err := seeder.Apply(ctx, seed); err != nil {
		srv.close()
		return nil, fmt.Errorf("apply seed: %w", err)
	}

	defaultPatient := ""
	if len(seed.Patients) > 0 {
		defaultPatient = seed.Patients[0].ID
	}
	workspace := assistant.NewWorkspace(chat, recs, defaultPatient)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, review.HeaderViewerID},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadBodyLimit))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: unauthenticated requests are treated as admin")
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}
	e.Use(middleware.Audit(logger))

	e.GET("/health", healthHandler(checkers))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	records.NewHandler(recs).RegisterRoutes(apiV1)
	review.NewHandler(rev).RegisterRoutes(apiV1)
	assistant.NewHandler(chat, workspace).RegisterRoutes(apiV1)
	portalHandler := portal.NewHandler(portalSvc)
	portalHandler.RegisterRoutes(apiV1)
	portalHandler.RegisterPublicRoutes(e)
	sandbox.NewHandler(seeder, seed).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e)

	srv.echo = e
	srv.records = recs
	srv.assistant = chat
	srv.review = rev
	return srv, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	srv, err := buildServer(context.Background(), cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer srv.close()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Str("assistant", cfg.AssistantMode).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/api"
	"github.com/nunnarivu-labs/ishtar/internal/assembler"
	"github.com/nunnarivu-labs/ishtar/internal/blobstore"
	"github.com/nunnarivu-labs/ishtar/internal/engine"
	"github.com/nunnarivu-labs/ishtar/internal/filecache"
	"github.com/nunnarivu-labs/ishtar/internal/llm"
	"github.com/nunnarivu-labs/ishtar/internal/llm/gemini"
	"github.com/nunnarivu-labs/ishtar/internal/llm/openai"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/memstore"
	"github.com/nunnarivu-labs/ishtar/internal/ratelimit"
	"github.com/nunnarivu-labs/ishtar/internal/summarizer"
	"github.com/nunnarivu-labs/ishtar/internal/sweeper"
	"github.com/nunnarivu-labs/ishtar/internal/tokens"
	"github.com/nunnarivu-labs/ishtar/internal/users"
	"github.com/nunnarivu-labs/ishtar/pkg/config"
	"github.com/nunnarivu-labs/ishtar/pkg/db"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// documentStore is everything the services need from the conversation store.
type documentStore interface {
	messagestore.Store
	engine.Store
	assembler.MessageStore
	filecache.Store
	ratelimit.Store
	sweeper.Store
}

type app struct {
	cfg     *config.Config
	store   documentStore
	users   users.Repo
	blobs   blobstore.Store
	closers []func() error
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			logrus.Errorf("Error during shutdown: %v", err)
		}
	}
}

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)

	root := &cobra.Command{
		Use:           "ishtar",
		Short:         "Conversation backend with context assembly and compaction",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server and the background sweeper",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Run one clean-up pass and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return sweepOnce(cmd.Context())
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logrus.Fatalf("%v", err)
	}
}

func newApp(ctx context.Context) (*app, error) {
	cfg := config.LoadConfig()
	logrus.SetLevel(cfg.LogrusLevel())

	a := &app{cfg: cfg}

	switch cfg.StoreDriver {
	case "memory":
		logrus.Warn("Using in-memory store; data is lost on restart")
		a.store = memstore.New()
		a.users = users.NewMemoryRepository()
	case "postgres":
		database, err := db.NewPostgresDB(cfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		a.closers = append(a.closers, database.Close)
		repo := messagestore.NewRepository(database)
		if err := repo.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("preparing schema: %w", err)
		}
		a.store = repo
		a.users = users.NewRepository(database)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	switch cfg.BlobDriver {
	case "memory":
		a.blobs = blobstore.NewMemory()
	case "s3":
		s3, err := blobstore.NewS3(ctx, blobstore.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to blob storage: %w", err)
		}
		a.blobs = s3
	default:
		a.Close()
		return nil, fmt.Errorf("unknown BLOB_DRIVER %q", cfg.BlobDriver)
	}

	return a, nil
}

func newLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "gemini":
		return gemini.NewClient(ctx, cfg.GeminiAPIKey)
	case "openai":
		return openai.NewService(cfg.OpenAIKey, cfg.OpenAIBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	client, err := newLLMClient(ctx, cfg)
	if err != nil {
		return err
	}

	registry := llm.DefaultRegistry()
	cache := filecache.New(a.store, a.blobs, client)
	eng := engine.New(engine.Deps{
		Store:      a.store,
		Limiter:    ratelimit.New(a.store),
		Assembler:  assembler.New(a.store, cache),
		Accountant: tokens.NewAccountant(client),
		Client:     client,
		Registry:   registry,
		Blobs:      a.blobs,
		Compactor:  summarizer.New(client, a.store, cfg.SummaryModel),
	}, engine.Options{
		GuestUserID: cfg.GuestUserID,
		Timeout:     cfg.RequestTimeout,
	})

	apiHandler := api.NewHandler(
		users.NewService(a.users),
		messagestore.NewService(a.store),
		eng,
		registry,
		a.blobs,
		cfg.JWTSigningKey,
		cfg.GuestUserID,
	)

	sweeper.New(a.store, a.blobs).Start(ctx, cfg.SweepInterval)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.ServerHost, cfg.ServerPort),
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}

	logrus.Info("Server stopped")
	return nil
}

func sweepOnce(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := sweeper.New(a.store, a.blobs).RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	logrus.Infof("Removed %d cache entries and %d conversations", report.CacheEntries, report.Conversations)
	return nil
}

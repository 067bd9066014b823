// Package cmd holds the CLI commands of the aid binary.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/thongdx/aid/internal/api"
	"github.com/thongdx/aid/internal/classifier"
	"github.com/thongdx/aid/internal/config"
	"github.com/thongdx/aid/internal/database"
	"github.com/thongdx/aid/internal/developer"
	"github.com/thongdx/aid/internal/filesync"
	"github.com/thongdx/aid/internal/genjob"
	"github.com/thongdx/aid/internal/gitops"
	"github.com/thongdx/aid/internal/knowledge"
	"github.com/thongdx/aid/internal/store"
	"github.com/thongdx/aid/internal/task"
)

// APICommand returns the CLI command for starting the API server.
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the virtual developer API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if c.IsSet("port") {
				cfg.HTTP.Port = c.Int("port")
			}

			return runAPI(c.Context, cfg)
		},
	}
}

func runAPI(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	st := store.NewPostgres(db)

	cls, err := classifier.New(ctx, classifier.Options{
		Provider: cfg.Classifier.Provider,
		APIKey:   cfg.Classifier.APIKey,
		Model:    cfg.Classifier.Model,
		BaseURL:  cfg.Classifier.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}

	files := filesync.NewSyncer(st, knowledge.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL))
	jobs := genjob.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.AssistantID, cfg.OpenAI.BaseURL)
	checkout := gitops.NewCheckout(cfg.Git.WorkspaceRoot)

	runner := task.NewRunner(st, checkout, files, jobs, cls, task.RunnerConfig{
		PollInterval:       cfg.PollInterval(),
		Deadline:           cfg.TaskDeadline(),
		ReferenceLimit:     cfg.Task.ReferenceLimit,
		ReferenceExtension: cfg.Task.ReferenceExtension,
	})

	sinks := api.NewSinkRegistry()

	worker := task.NewWorker(runner, st, sinks.Emit)

	queue, err := task.NewQueue(pool, worker, cfg.Task.MaxWorkers)
	if err != nil {
		return fmt.Errorf("failed to create task queue: %w", err)
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task queue: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		queue.Stop(stopCtx)
	}()

	registry := developer.NewRegistry(st, cls, sinks.Emit, queue, cfg.SessionIdleTimeout())
	tokens := api.NewTokenService(cfg.Session.JWTSecret, 30*24*time.Hour)

	server := api.NewServer(cfg.HTTP.Port, st, registry, sinks, tokens)

	fmt.Printf("Starting aid API server on port %d...\n", cfg.HTTP.Port)

	return server.Start()
}

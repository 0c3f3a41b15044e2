// Command modelrunner-submit is a direct-to-broker CLI client: it
// submits a job the same way the (out-of-scope) web tier would, by
// constructing a primary.Handler against the shared broker and calling
// Enqueue, then prints the job's assigned UUID.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/modelrunner/modelrunner/internal/broker/redisbroker"
	"github.com/modelrunner/modelrunner/internal/jobrecord"
	"github.com/modelrunner/modelrunner/internal/primary"
	"github.com/modelrunner/modelrunner/pkg/config"
	"github.com/modelrunner/modelrunner/pkg/logger"
)

var version = "dev"

func main() {
	var model, name, inputPath, sourceURL string

	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new job to a primary node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if model == "" {
				return fmt.Errorf("--model is required")
			}
			if (inputPath == "") == (sourceURL == "") {
				return fmt.Errorf("exactly one of --input or --source-url must be given")
			}
			if name == "" {
				name = uuid.NewString()
			}

			cfg, _, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger.SetGlobalMode("submit")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			br, err := redisbroker.Dial(ctx, redisbroker.DialOptions{Addr: cfg.RedisURL, MaxAttempts: 3})
			if err != nil {
				return fmt.Errorf("failed to connect to broker: %w", err)
			}
			defer br.Close()

			handler := primary.New(br, cfg.Prefix, cfg.PrimaryURL, cfg.DataDir, version)
			job := jobrecord.NewJob(model, name)

			var dataBytes []byte
			if inputPath != "" {
				dataBytes, err = os.ReadFile(inputPath)
				if err != nil {
					return fmt.Errorf("failed to read input file: %w", err)
				}
			}

			if err := handler.Enqueue(ctx, job, dataBytes, sourceURL); err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}

			fmt.Println(job.UUID)
			return nil
		},
	}

	flags := submit.Flags()
	flags.StringVar(&model, "model", "", "model to run this job against (required)")
	flags.StringVar(&name, "name", "", "human-readable job name (defaults to a generated UUID)")
	flags.StringVar(&inputPath, "input", "", "path to a local input.zip to upload")
	flags.StringVar(&sourceURL, "source-url", "", "URL the primary should fetch input.zip from")

	if err := submit.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

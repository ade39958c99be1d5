package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/digit-api/internal/envconfig"
	"github.com/Brownie44l1/digit-api/internal/mnist"
	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/server"
	"github.com/Brownie44l1/digit-api/internal/train"
)

// appendEnvDocs adds the relevant environment variables to a command's
// usage output.
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-20s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the digit command tree.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "digit",
		Short:         "Handwritten digit recognition service",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.AddCommand(newServeCmd(), newTrainCmd(), newPredictCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the prediction API server",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runServe()
		},
	}
	appendEnvDocs(cmd, envconfig.Docs("serve"))
	return cmd
}

// runServe loads the artifact and serves the API. A missing artifact is
// not fatal: the server starts not-ready and health answers 503 until a
// model exists, matching the original predictor behavior. A corrupt
// artifact is fatal.
func runServe() error {
	slog.Info("server config", "env", envconfig.Values())

	modelPath := envconfig.ModelPath()
	classifier := model.NewClassifier()
	if _, err := os.Stat(modelPath); err == nil {
		loaded, err := model.LoadClassifier(modelPath)
		if err != nil {
			return fmt.Errorf("load model: %w", err)
		}
		classifier = loaded
		defer classifier.Close()

		info, _ := classifier.Info()
		slog.Info("model loaded",
			"path", modelPath,
			"engine", info.Engine,
			"parameters", info.ParameterCount,
			"sha256", info.ArtifactSHA256,
		)
	} else {
		slog.Warn("model artifact not found, serving not-ready", "path", modelPath,
			"hint", "run 'digit train' first")
	}

	return server.New(classifier).Run(envconfig.Host())
}

func newTrainCmd() *cobra.Command {
	cfg := train.DefaultConfig()
	cfg.DataDir = envconfig.DataDir()
	cfg.OutPath = envconfig.ModelPath()
	var evaluate bool

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the CNN on the MNIST dataset and save the artifact",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			net, err := train.Run(cfg, slog.Default())
			if err != nil {
				return err
			}

			if evaluate {
				testSet, err := mnist.Load(cfg.DataDir, false)
				if err != nil {
					return fmt.Errorf("load test set: %w", err)
				}
				acc, err := train.Evaluate(net, testSet, cfg.BatchSize)
				if err != nil {
					return err
				}
				slog.Info("test set evaluation", "accuracy", fmt.Sprintf("%.2f%%", 100*acc))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Number of passes over the training set")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Mini-batch size")
	cmd.Flags().Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "Adam learning rate")
	cmd.Flags().Uint64Var(&cfg.Seed, "seed", cfg.Seed, "RNG seed for weight init and shuffling")
	cmd.Flags().Float64Var(&cfg.ValFraction, "val-fraction", cfg.ValFraction, "Fraction of the training set held out for validation")
	cmd.Flags().StringVar(&cfg.DataDir, "data", cfg.DataDir, "Directory holding the MNIST idx files")
	cmd.Flags().StringVar(&cfg.OutPath, "out", cfg.OutPath, "Artifact output path")
	cmd.Flags().BoolVar(&evaluate, "evaluate", false, "Report t10k accuracy after training")
	appendEnvDocs(cmd, envconfig.Docs("train"))
	return cmd
}

func newPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict IMAGE",
		Short: "Classify a single image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			classifier, err := model.LoadClassifier(envconfig.ModelPath())
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}
			defer classifier.Close()

			pred, err := classifier.PredictSingle(data)
			if err != nil {
				return err
			}

			fmt.Printf("%d (confidence %.1f%%)\n", pred.Label, pred.Confidence*100)
			return nil
		},
	}
	appendEnvDocs(cmd, envconfig.Docs("predict"))
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"agentrun/internal/config"
	"agentrun/internal/gemini"
	"agentrun/internal/prompt"
	"agentrun/internal/runner"
)

var version = "1.0.0"

var (
	// Global flags
	verbose    bool
	configPath string

	// Pipeline flags
	apiKey           string
	agentSetup       string
	textFiles        string
	uploadFiles      string
	printPromptOnly  bool
	dumpTo           string
	model            string
	sizeGuard        string
	missingFiles     string
	strictTokenCount bool
	pollInterval     string
	pollTimeout      string
	timeout          string

	// Logger
	logger *zap.Logger
)

// rootCmd runs the prompt pipeline: assemble a prompt from local files,
// optionally upload attachments, query the model once, write the response.
var rootCmd = &cobra.Command{
	Use:   "agentrun",
	Short: "Run an agent prompt against Gemini with enclosed files",
	Long: `agentrun assembles a prompt from an instructions file and local text
files, optionally uploads binary attachments via the Files API, sends one
generation request, and writes the model's response to a file.

Examples:
  agentrun --agent-setup agent.md --dump-to out.txt
  agentrun --agent-setup agent.md --enclose-files-as-prompt a.go,b.go --dump-to out.txt
  agentrun --agent-setup agent.md --enclose-files report.pdf --dump-to out.txt
  agentrun --agent-setup agent.md --dump-to out.txt --print-prompt-only`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runPipeline,
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentrun version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentrun %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Optional YAML config file")

	flags := rootCmd.Flags()
	flags.StringVar(&apiKey, "api-key", "", "Gemini API key (or set GEMINI_API_KEY/GOOGLE_API_KEY)")
	flags.StringVar(&agentSetup, "agent-setup", "", "Path to the agent instructions file (required)")
	flags.StringVar(&textFiles, "enclose-files-as-prompt", "", "Comma-separated text files appended verbatim to the prompt")
	flags.StringVar(&textFiles, "input", "", "Alias for --enclose-files-as-prompt")
	flags.StringVar(&uploadFiles, "enclose-files", "", "Comma-separated files uploaded via the Files API")
	flags.BoolVar(&printPromptOnly, "print-prompt-only", false, "Print the assembled prompt and exit without querying the model")
	flags.StringVar(&dumpTo, "dump-to", "", "Path to the output file (required)")
	flags.StringVar(&model, "model", "", "Generation model (default gemini-2.5-flash)")
	flags.StringVar(&sizeGuard, "size-guard", "", "Size guard policy: chars or tokens")
	flags.StringVar(&missingFiles, "missing-files", "", "Missing text attachment policy: strict or lenient")
	flags.BoolVar(&strictTokenCount, "strict-token-count", false, "Fail when the token count call itself fails")
	flags.StringVar(&pollInterval, "poll-interval", "", "Upload status poll interval (default 1s)")
	flags.StringVar(&pollTimeout, "poll-timeout", "", "Upload processing deadline (default 5m)")
	flags.StringVar(&timeout, "timeout", "", "Overall operation timeout (default 5m)")
	flags.MarkHidden("input")

	rootCmd.MarkFlagRequired("agent-setup")
	rootCmd.MarkFlagRequired("dump-to")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// runPipeline resolves configuration, builds the client, and executes one
// pipeline run.
func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetTimeout())
	defer cancel()

	// Graceful shutdown: cancel in-flight uploads and generation.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("received shutdown signal, cancelling")
		cancel()
	}()

	client := gemini.NewClientWithConfig(gemini.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.GetTimeout(),
	})
	client.SetLogger(logger)

	r := runner.New(runner.Options{
		Config:   cfg,
		Provider: client,
		Logger:   logger,
	})

	return r.Run(ctx, runner.Request{
		InstructionsPath: agentSetup,
		TextFiles:        prompt.SplitList(textFiles),
		UploadFiles:      prompt.SplitList(uploadFiles),
		PrintPromptOnly:  printPromptOnly,
		OutputPath:       dumpTo,
	})
}

// resolveConfig layers the config file, environment, and command-line
// flags, with flags taking precedence.
func resolveConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if model != "" {
		cfg.Model = model
	}
	if sizeGuard != "" {
		cfg.SizeGuard = sizeGuard
	}
	if missingFiles != "" {
		cfg.MissingFiles = missingFiles
	}
	if strictTokenCount {
		cfg.StrictTokenCount = true
	}
	if pollInterval != "" {
		cfg.PollInterval = pollInterval
	}
	if pollTimeout != "" {
		cfg.PollTimeout = pollTimeout
	}
	if timeout != "" {
		cfg.Timeout = timeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

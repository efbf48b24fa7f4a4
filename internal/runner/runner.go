// Package runner executes the prompt pipeline: assemble the prompt from
// local files, upload attachments, guard the request size, invoke the
// model once, and write the response to disk.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentrun/internal/config"
	"agentrun/internal/gemini"
	"agentrun/internal/prompt"
)

// Provider is the remote endpoint surface the pipeline depends on.
// *gemini.Client satisfies it; tests substitute a stub.
type Provider interface {
	UploadFile(ctx context.Context, path string) (*gemini.File, error)
	GetFile(ctx context.Context, name string) (*gemini.File, error)
	CountTokens(ctx context.Context, parts []gemini.Part) (int, error)
	GenerateContent(ctx context.Context, parts []gemini.Part) (string, error)
}

// Request describes one pipeline invocation.
type Request struct {
	InstructionsPath string
	TextFiles        []string // appended verbatim to the prompt
	UploadFiles      []string // uploaded via the Files API
	PrintPromptOnly  bool
	OutputPath       string
}

// Options configures a Runner.
type Options struct {
	Config   *config.Config
	Provider Provider
	Logger   *zap.Logger
	Stdout   io.Writer
}

// Runner runs the pipeline. One Runner handles one process invocation;
// nothing is shared or persisted across runs.
type Runner struct {
	cfg      *config.Config
	provider Provider
	logger   *zap.Logger
	stdout   io.Writer
}

// New creates a Runner. Each run carries a fresh run ID in its log fields.
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	return &Runner{
		cfg:      opts.Config,
		provider: opts.Provider,
		logger:   logger.With(zap.String("run_id", uuid.NewString())),
		stdout:   stdout,
	}
}

// Run executes the pipeline for the given request.
func (r *Runner) Run(ctx context.Context, req Request) error {
	if r.cfg.APIKey == "" {
		return fmt.Errorf("%w: pass --api-key or set GEMINI_API_KEY/GOOGLE_API_KEY", ErrMissingAPIKey)
	}

	// 1. Agent instructions
	instructions, err := prompt.LoadInstructions(req.InstructionsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: instructions file %s", ErrNotFound, req.InstructionsPath)
		}
		return fmt.Errorf("reading instructions: %w", err)
	}
	r.logger.Debug("instructions loaded",
		zap.String("path", req.InstructionsPath), zap.Int("chars", len(instructions)))

	// 2. Text attachments
	mode, err := prompt.ParseMissingFileMode(r.cfg.MissingFiles)
	if err != nil {
		return err
	}
	builder := prompt.NewBuilder(instructions)
	skipped, err := builder.AppendFiles(req.TextFiles, mode)
	for _, path := range skipped {
		r.logger.Warn("text attachment missing, skipped", zap.String("path", path))
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return err
	}

	combined := builder.Render()

	// 3. Local character guard: rejected prompts never reach the network.
	guard, err := config.ParseSizeGuard(r.cfg.SizeGuard)
	if err != nil {
		return err
	}
	if guard == config.GuardChars && len(combined) > r.cfg.MaxChars() {
		return fmt.Errorf("%w: prompt is %d chars, limit is %d",
			ErrPromptTooLarge, len(combined), r.cfg.MaxChars())
	}

	// 4. Debug short-circuit, before any remote call.
	if req.PrintPromptOnly {
		r.printPrompt(combined, req.UploadFiles)
		return nil
	}

	// 5. Uploads
	handles, err := r.uploadAttachments(ctx, req.UploadFiles)
	if err != nil {
		return err
	}

	parts := []gemini.Part{gemini.TextPart(combined)}
	for _, f := range handles {
		parts = append(parts, gemini.FilePart(f))
	}

	// 6. Remote token guard over the full assembled content.
	if guard == config.GuardTokens {
		if err := r.guardTokens(ctx, parts); err != nil {
			return err
		}
	}

	// 7. Single generation call, no retry.
	fmt.Fprintf(r.stdout, "Querying %s...\n", r.cfg.Model)
	start := time.Now()
	output, err := r.provider.GenerateContent(ctx, parts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	r.logger.Info("generation complete",
		zap.Duration("elapsed", time.Since(start)), zap.Int("response_chars", len(output)))

	// 8. Output write. The response is only held in memory, so a write
	// failure here loses it.
	if err := os.WriteFile(req.OutputPath, []byte(output), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteOutput, err)
	}
	fmt.Fprintf(r.stdout, "Output written to %s\n", req.OutputPath)
	return nil
}

// uploadAttachments uploads each path and waits for it to leave the
// PROCESSING state. The count cap and existence checks run before the
// first byte is sent.
func (r *Runner) uploadAttachments(ctx context.Context, paths []string) ([]*gemini.File, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	if len(paths) > r.cfg.MaxUploadFiles {
		return nil, fmt.Errorf("%w: %d requested, limit is %d",
			ErrTooManyUploads, len(paths), r.cfg.MaxUploadFiles)
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: upload file %s", ErrNotFound, path)
		}
	}

	fmt.Fprintf(r.stdout, "Uploading %d file(s)...\n", len(paths))

	handles := make([]*gemini.File, 0, len(paths))
	for _, path := range paths {
		f, err := r.provider.UploadFile(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("%w: uploading %s: %v", ErrUpload, path, err)
		}
		r.logger.Info("uploaded", zap.String("path", path),
			zap.String("ref", f.Name), zap.String("state", f.State))

		f, err = r.waitForFile(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("%w: waiting for %s: %v", ErrUpload, path, err)
		}
		if f.Failed() {
			return nil, fmt.Errorf("%w: processing failed for %s", ErrUpload, path)
		}
		handles = append(handles, f)
	}
	return handles, nil
}

// waitForFile polls the file status at the configured interval until the
// file leaves PROCESSING. The loop is bounded by the poll timeout and by
// context cancellation; a remote handle stuck in PROCESSING cannot block
// the run forever.
func (r *Runner) waitForFile(ctx context.Context, f *gemini.File) (*gemini.File, error) {
	interval := r.cfg.GetPollInterval()
	deadline := time.Now().Add(r.cfg.GetPollTimeout())

	for f.Processing() {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("file %s still processing after %s", f.Name, r.cfg.GetPollTimeout())
		}
		r.logger.Debug("waiting for file processing", zap.String("ref", f.Name))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		next, err := r.provider.GetFile(ctx, f.Name)
		if err != nil {
			return nil, err
		}
		f = next
	}
	return f, nil
}

// guardTokens asks the API for a token count over the assembled content
// and rejects the run when it exceeds the ceiling. A failure of the count
// call itself is downgraded to a warning unless strict_token_count is set.
func (r *Runner) guardTokens(ctx context.Context, parts []gemini.Part) error {
	count, err := r.provider.CountTokens(ctx, parts)
	if err != nil {
		if r.cfg.StrictTokenCount {
			return fmt.Errorf("token count failed: %w", err)
		}
		r.logger.Warn("token count failed, proceeding without size check", zap.Error(err))
		return nil
	}
	r.logger.Info("token count", zap.Int("tokens", count), zap.Int("limit", r.cfg.MaxTextTokens))
	if count > r.cfg.MaxTextTokens {
		return fmt.Errorf("%w: %d tokens, limit is %d", ErrTokenLimit, count, r.cfg.MaxTextTokens)
	}
	return nil
}

// printPrompt writes the assembled prompt and the pending upload list to
// stdout without touching the network.
func (r *Runner) printPrompt(combined string, uploads []string) {
	fmt.Fprintln(r.stdout, "=== Assembled Prompt ===")
	fmt.Fprintln(r.stdout, combined)
	if len(uploads) > 0 {
		fmt.Fprintln(r.stdout, "=== Files To Upload ===")
		for _, path := range uploads {
			fmt.Fprintf(r.stdout, "  %s\n", path)
		}
	}
	fmt.Fprintln(r.stdout, "=== End ===")
}

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/internal/config"
	"agentrun/internal/gemini"
)

// stubProvider records calls and plays back scripted responses.
type stubProvider struct {
	uploadCalls int
	getCalls    int
	countCalls  int
	genCalls    int

	uploadState string   // state returned by UploadFile
	getStates   []string // successive states returned by GetFile
	uploadErr   error

	tokenCount int
	countErr   error

	genText  string
	genErr   error
	genParts []gemini.Part // parts seen by the last GenerateContent call
}

func (s *stubProvider) UploadFile(ctx context.Context, path string) (*gemini.File, error) {
	s.uploadCalls++
	if s.uploadErr != nil {
		return nil, s.uploadErr
	}
	state := s.uploadState
	if state == "" {
		state = gemini.StateActive
	}
	name := fmt.Sprintf("files/upload-%d", s.uploadCalls)
	return &gemini.File{
		Name:     name,
		URI:      "https://example/" + name,
		MimeType: "application/octet-stream",
		State:    state,
	}, nil
}

func (s *stubProvider) GetFile(ctx context.Context, name string) (*gemini.File, error) {
	s.getCalls++
	state := gemini.StateActive
	if len(s.getStates) > 0 {
		state = s.getStates[0]
		s.getStates = s.getStates[1:]
	}
	return &gemini.File{Name: name, URI: "https://example/" + name, State: state}, nil
}

func (s *stubProvider) CountTokens(ctx context.Context, parts []gemini.Part) (int, error) {
	s.countCalls++
	if s.countErr != nil {
		return 0, s.countErr
	}
	return s.tokenCount, nil
}

func (s *stubProvider) GenerateContent(ctx context.Context, parts []gemini.Part) (string, error) {
	s.genCalls++
	s.genParts = parts
	if s.genErr != nil {
		return "", s.genErr
	}
	return s.genText, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.PollInterval = "1ms"
	cfg.PollTimeout = "100ms"
	return cfg
}

func newTestRunner(cfg *config.Config, p Provider) (*Runner, *bytes.Buffer) {
	var out bytes.Buffer
	r := New(Options{Config: cfg, Provider: p, Stdout: &out})
	return r, &out
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRun_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", "Summarize this.")
	attachment := writeFile(t, dir, "hello.txt", "Hello world")
	outPath := filepath.Join(dir, "out.txt")

	stub := &stubProvider{genText: "OK"}
	r, _ := newTestRunner(testConfig(), stub)

	err := r.Run(context.Background(), Request{
		InstructionsPath: setup,
		TextFiles:        []string{attachment},
		OutputPath:       outPath,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(data))

	assert.Equal(t, 1, stub.genCalls)
	assert.Equal(t, 0, stub.uploadCalls)
	require.Len(t, stub.genParts, 1)
	want := fmt.Sprintf("Summarize this.\n# %s\nHello world\n", attachment)
	assert.Equal(t, want, stub.genParts[0].Text)
}

func TestRun_MissingAPIKey(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", "I")
	outPath := filepath.Join(dir, "out.txt")

	cfg := testConfig()
	cfg.APIKey = ""
	stub := &stubProvider{}
	r, _ := newTestRunner(cfg, stub)

	err := r.Run(context.Background(), Request{InstructionsPath: setup, OutputPath: outPath})
	require.ErrorIs(t, err, ErrMissingAPIKey)

	assert.NoFileExists(t, outPath)
	assert.Equal(t, 0, stub.genCalls)
}

func TestRun_MissingInstructions(t *testing.T) {
	dir := t.TempDir()
	stub := &stubProvider{}
	r, _ := newTestRunner(testConfig(), stub)

	err := r.Run(context.Background(), Request{
		InstructionsPath: filepath.Join(dir, "missing.md"),
		OutputPath:       filepath.Join(dir, "out.txt"),
	})
	require.ErrorIs(t, err, ErrNotFound)

	// Fails before any network call
	assert.Equal(t, 0, stub.uploadCalls+stub.getCalls+stub.countCalls+stub.genCalls)
}

func TestRun_CharGuardBlocksGeneration(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", strings.Repeat("x", 100))

	cfg := testConfig()
	cfg.MaxTextTokens = 10
	cfg.AvgCharsPerToken = 4 // MaxChars = 40 < 100

	stub := &stubProvider{}
	r, _ := newTestRunner(cfg, stub)

	err := r.Run(context.Background(), Request{
		InstructionsPath: setup,
		OutputPath:       filepath.Join(dir, "out.txt"),
	})
	require.ErrorIs(t, err, ErrPromptTooLarge)
	assert.Equal(t, 0, stub.genCalls)
	assert.Equal(t, 0, stub.countCalls)
}

func TestRun_UploadCountCap(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", "I")

	cfg := testConfig()
	cfg.MaxUploadFiles = 2

	var uploads []string
	for i := 0; i < 3; i++ {
		uploads = append(uploads, writeFile(t, dir, fmt.Sprintf("u%d.bin", i), "data"))
	}

	stub := &stubProvider{}
	r, _ := newTestRunner(cfg, stub)

	err := r.Run(context.Background(), Request{
		InstructionsPath: setup,
		UploadFiles:      uploads,
		OutputPath:       filepath.Join(dir, "out.txt"),
	})
	require.ErrorIs(t, err, ErrTooManyUploads)

	// Cap check happens before the first upload call
	assert.Equal(t, 0, stub.uploadCalls)
}

func TestRun_MissingUploadFile(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", "I")

	stub := &stubProvider{}
	r, _ := newTestRunner(testConfig(), stub)

	err := r.Run(context.Background(), Request{
		InstructionsPath: setup,
		UploadFiles:      []string{filepath.Join(dir, "gone.pdf")},
		OutputPath:       filepath.Join(dir, "out.txt"),
	})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, stub.uploadCalls)
}

func TestRun_PrintPromptOnly(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", "Summarize this.")
	upload := writeFile(t, dir, "u.pdf", "pdf bytes")
	outPath := filepath.Join(dir, "out.txt")

	stub := &stubProvider{}
	r, out := newTestRunner(testConfig(), stub)

	err := r.Run(context.Background(), Request{
		InstructionsPath: setup,
		UploadFiles:      []string{upload},
		PrintPromptOnly:  true,
		OutputPath:       outPath,
	})
	require.NoError(t, err)

	// No remote calls of any kind, no output file
	assert.Equal(t, 0, stub.uploadCalls+stub.getCalls+stub.countCalls+stub.genCalls)
	assert.NoFileExists(t, outPath)

	assert.Contains(t, out.String(), "Summarize this.")
	assert.Contains(t, out.String(), upload)
}

func TestRun_UploadPollsUntilActive(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", "I")
	upload := writeFile(t, dir, "u.pdf", "pdf bytes")
	outPath := filepath.Join(dir, "out.txt")

	stub := &stubProvider{
		genText:     "OK",
		uploadState: gemini.StateProcessing,
		getStates:   []string{gemini.StateProcessing, gemini.StateActive},
	}
	r, _ := newTestRunner(testConfig(), stub)

	err := r.Run(context.Background(), Request{
		InstructionsPath: setup,
		UploadFiles:      []string{upload},
		OutputPath:       outPath,
	})
	require.NoError(t, err)

	// PROCESSING was observed at upload and again on the first re-poll,
	// so the status endpoint was hit at least twice.
	assert.GreaterOrEqual(t, stub.getCalls, 2)

	// The ready handle made it into the generation request.
	require.Len(t, stub.genParts, 2)
	require.NotNil(t, stub.genParts[1].FileData)
	assert.Equal(t, "https://example/files/upload-1", stub.genParts[1].FileData.FileURI)
}

func TestRun_UploadProcessingFailed(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", "I")
	upload := writeFile(t, dir, "u.pdf", "pdf bytes")

	stub := &stubProvider{
		uploadState: gemini.StateProcessing,
		getStates:   []string{gemini.StateFailed},
	}
	r, _ := newTestRunner(testConfig(), stub)

	err := r.Run(context.Background(), Request{
		InstructionsPath: setup,
		UploadFiles:      []string{upload},
		OutputPath:       filepath.Join(dir, "out.txt"),
	})
	require.ErrorIs(t, err, ErrUpload)
	assert.Equal(t, 0, stub.genCalls)
}

func TestRun_UploadPollDeadline(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", "I")
	upload := writeFile(t, dir, "u.pdf", "pdf bytes")

	cfg := testConfig()
	cfg.PollInterval = "1ms"
	cfg.PollTimeout = "10ms"

	// GetFile always reports PROCESSING; the deadline must break the loop.
	stuck := &stuckProvider{}
	r, _ := newTestRunner(cfg, stuck)

	err := r.Run(context.Background(), Request{
		InstructionsPath: setup,
		UploadFiles:      []string{upload},
		OutputPath:       filepath.Join(dir, "out.txt"),
	})
	require.ErrorIs(t, err, ErrUpload)
	assert.Equal(t, 0, stuck.genCalls)
}

func TestRun_TokenGuard(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", "I")
	outPath := filepath.Join(dir, "out.txt")

	t.Run("over the ceiling blocks generation", func(t *testing.T) {
		cfg := testConfig()
		cfg.SizeGuard = string(config.GuardTokens)
		cfg.MaxTextTokens = 100

		stub := &stubProvider{tokenCount: 101}
		r, _ := newTestRunner(cfg, stub)

		err := r.Run(context.Background(), Request{InstructionsPath: setup, OutputPath: outPath})
		require.ErrorIs(t, err, ErrTokenLimit)
		assert.Equal(t, 1, stub.countCalls)
		assert.Equal(t, 0, stub.genCalls)
	})

	t.Run("count failure is soft by default", func(t *testing.T) {
		cfg := testConfig()
		cfg.SizeGuard = string(config.GuardTokens)

		stub := &stubProvider{countErr: errors.New("boom"), genText: "OK"}
		r, _ := newTestRunner(cfg, stub)

		err := r.Run(context.Background(), Request{InstructionsPath: setup, OutputPath: outPath})
		require.NoError(t, err)
		assert.Equal(t, 1, stub.genCalls)
	})

	t.Run("count failure is fatal in strict mode", func(t *testing.T) {
		cfg := testConfig()
		cfg.SizeGuard = string(config.GuardTokens)
		cfg.StrictTokenCount = true

		stub := &stubProvider{countErr: errors.New("boom")}
		r, _ := newTestRunner(cfg, stub)

		err := r.Run(context.Background(), Request{InstructionsPath: setup, OutputPath: outPath})
		require.Error(t, err)
		assert.Equal(t, 0, stub.genCalls)
	})
}

func TestRun_GenerationError(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", "I")
	outPath := filepath.Join(dir, "out.txt")

	stub := &stubProvider{genErr: errors.New("503")}
	r, _ := newTestRunner(testConfig(), stub)

	err := r.Run(context.Background(), Request{InstructionsPath: setup, OutputPath: outPath})
	require.ErrorIs(t, err, ErrGeneration)
	assert.Equal(t, 1, stub.genCalls)
	assert.NoFileExists(t, outPath)
}

func TestRun_WriteError(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", "I")

	stub := &stubProvider{genText: "OK"}
	r, _ := newTestRunner(testConfig(), stub)

	err := r.Run(context.Background(), Request{
		InstructionsPath: setup,
		OutputPath:       filepath.Join(dir, "no-such-dir", "out.txt"),
	})
	require.ErrorIs(t, err, ErrWriteOutput)
}

func TestRun_LenientMissingTextAttachment(t *testing.T) {
	dir := t.TempDir()
	setup := writeFile(t, dir, "agent.md", "I")
	present := writeFile(t, dir, "here.txt", "content")
	outPath := filepath.Join(dir, "out.txt")

	cfg := testConfig()
	cfg.MissingFiles = "lenient"

	stub := &stubProvider{genText: "OK"}
	r, _ := newTestRunner(cfg, stub)

	err := r.Run(context.Background(), Request{
		InstructionsPath: setup,
		TextFiles:        []string{filepath.Join(dir, "gone.txt"), present},
		OutputPath:       outPath,
	})
	require.NoError(t, err)
	assert.Contains(t, stub.genParts[0].Text, "content")
	assert.NotContains(t, stub.genParts[0].Text, "gone.txt")
}

// stuckProvider reports PROCESSING forever.
type stuckProvider struct {
	genCalls int
}

func (s *stuckProvider) UploadFile(ctx context.Context, path string) (*gemini.File, error) {
	return &gemini.File{Name: "files/stuck", URI: "https://example/files/stuck", State: gemini.StateProcessing}, nil
}

func (s *stuckProvider) GetFile(ctx context.Context, name string) (*gemini.File, error) {
	return &gemini.File{Name: name, URI: "https://example/" + name, State: gemini.StateProcessing}, nil
}

func (s *stuckProvider) CountTokens(ctx context.Context, parts []gemini.Part) (int, error) {
	return 0, nil
}

func (s *stuckProvider) GenerateContent(ctx context.Context, parts []gemini.Part) (string, error) {
	s.genCalls++
	return "", nil
}

// Package prompt assembles the text portion of a generation request from
// an instructions file and an ordered list of local text attachments.
package prompt

import (
	"fmt"
	"os"
	"strings"
)

// MissingFileMode controls what happens when a text attachment path does
// not exist.
type MissingFileMode string

const (
	// Strict fails the run on the first missing attachment.
	Strict MissingFileMode = "strict"
	// Lenient skips missing attachments and reports them to the caller.
	Lenient MissingFileMode = "lenient"
)

// ParseMissingFileMode validates a mode string from a flag or config file.
func ParseMissingFileMode(s string) (MissingFileMode, error) {
	switch MissingFileMode(strings.ToLower(strings.TrimSpace(s))) {
	case Strict, "":
		return Strict, nil
	case Lenient:
		return Lenient, nil
	}
	return "", fmt.Errorf("invalid missing-files mode %q (want strict or lenient)", s)
}

// Block is one text attachment appended to the prompt, headed by its
// source path.
type Block struct {
	Path    string
	Content string
}

// Builder accumulates instructions and text blocks and renders them into
// the combined prompt. Rendering is pure: the same inputs always produce
// the same prompt.
type Builder struct {
	instructions string
	blocks       []Block
}

// NewBuilder creates a builder seeded with the agent instructions.
func NewBuilder(instructions string) *Builder {
	return &Builder{instructions: instructions}
}

// Append adds one text block.
func (b *Builder) Append(path, content string) {
	b.blocks = append(b.blocks, Block{Path: path, Content: content})
}

// Blocks returns the appended blocks in order.
func (b *Builder) Blocks() []Block {
	return b.blocks
}

// Render produces the combined prompt: the instructions followed by each
// block as a "# <path>" delimiter line and its verbatim content.
func (b *Builder) Render() string {
	var sb strings.Builder
	sb.WriteString(b.instructions)
	for _, blk := range b.blocks {
		sb.WriteString(fmt.Sprintf("\n# %s\n%s\n", blk.Path, blk.Content))
	}
	return sb.String()
}

// Len returns the character length of the rendered prompt.
func (b *Builder) Len() int {
	return len(b.Render())
}

// LoadInstructions reads the agent instructions file and returns its
// trimmed content.
func LoadInstructions(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sanitize(data)), nil
}

// AppendFiles reads each path as text and appends it to the builder. In
// Strict mode a missing file is an error; in Lenient mode it is skipped
// and returned in the second value so the caller can warn. Read failures
// on existing files are always errors. Invalid UTF-8 is replaced, never
// fatal.
func (b *Builder) AppendFiles(paths []string, mode MissingFileMode) ([]string, error) {
	var skipped []string
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) && mode == Lenient {
				skipped = append(skipped, path)
				continue
			}
			return skipped, fmt.Errorf("reading %s: %w", path, err)
		}
		b.Append(path, sanitize(data))
	}
	return skipped, nil
}

// SplitList parses a comma-separated path list, trimming whitespace and
// dropping empty entries.
func SplitList(s string) []string {
	var paths []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// sanitize decodes file bytes best-effort, replacing invalid UTF-8.
func sanitize(data []byte) string {
	return strings.ToValidUTF8(string(data), "�")
}

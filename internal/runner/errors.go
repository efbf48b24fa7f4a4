package runner

import "errors"

// Pipeline error taxonomy. Every failure path wraps one of these so the
// CLI layer can report a uniform message; the process always exits 1 on
// any of them.
var (
	// ErrMissingAPIKey means no credential was found in any source.
	ErrMissingAPIKey = errors.New("no API key configured")
	// ErrNotFound means a required local file does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrTooManyUploads means the upload list exceeds the configured cap.
	ErrTooManyUploads = errors.New("too many files to upload")
	// ErrPromptTooLarge means the local character guard rejected the prompt.
	ErrPromptTooLarge = errors.New("prompt exceeds size limit")
	// ErrTokenLimit means the remote token count exceeded the ceiling.
	ErrTokenLimit = errors.New("token count exceeds limit")
	// ErrUpload means a remote upload or its processing failed.
	ErrUpload = errors.New("file upload failed")
	// ErrGeneration means the generation call failed.
	ErrGeneration = errors.New("generation failed")
	// ErrWriteOutput means the response could not be written to disk.
	ErrWriteOutput = errors.New("output write failed")
)

package gemini

import "time"

// File lifecycle states as reported by the Files API.
// PROCESSING is the only transient state; ACTIVE means the file is usable
// in a generation request.
const (
	StateProcessing = "PROCESSING"
	StateActive     = "ACTIVE"
	StateFailed     = "FAILED"
)

// File is the file resource returned by the upload and get endpoints.
type File struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	SizeBytes   string `json:"sizeBytes,omitempty"`
	URI         string `json:"uri"`
	State       string `json:"state"`
}

// Processing reports whether the file is still being processed server-side.
func (f *File) Processing() bool {
	return f.State == StateProcessing
}

// Failed reports whether server-side processing ended in failure.
func (f *File) Failed() bool {
	return f.State == StateFailed
}

// uploadResponse wraps the file resource in the finalize response.
type uploadResponse struct {
	File File `json:"file"`
}

// Part is one element of the request content: either inline text or a
// reference to an uploaded file.
type Part struct {
	Text     string    `json:"text,omitempty"`
	FileData *FileData `json:"fileData,omitempty"`
}

// FileData references an uploaded file by URI.
type FileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

// TextPart builds an inline text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// FilePart builds a part referencing an uploaded file.
func FilePart(f *File) Part {
	return Part{FileData: &FileData{MimeType: f.MimeType, FileURI: f.URI}}
}

// Content represents content in a request.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// generateRequest is the generateContent request body.
type generateRequest struct {
	Contents []Content `json:"contents"`
}

// generateResponse is the generateContent response body.
type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []Part `json:"parts"`
			Role  string `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *apiError `json:"error,omitempty"`
}

// countTokensRequest is the countTokens request body.
type countTokensRequest struct {
	Contents []Content `json:"contents"`
}

// countTokensResponse is the countTokens response body.
type countTokensResponse struct {
	TotalTokens int       `json:"totalTokens"`
	Error       *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Config holds client configuration.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for the hosted API.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:  apiKey,
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Model:   "gemini-2.5-flash",
		Timeout: 5 * time.Minute,
	}
}

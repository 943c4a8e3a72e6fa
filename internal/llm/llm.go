// Package llm defines the completion-service contract shared by the engine and its adapters.
package llm

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrAttachmentsUnsupported is returned by clients that cannot accept file parts.
var ErrAttachmentsUnsupported = errors.New("file attachments are not supported by this provider")

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Part is one piece of a turn. Exactly one of Text, FileURI or InlineData is set.
type Part struct {
	Text        string
	FileURI     string
	MIMEType    string
	InlineData  []byte
	DisplayName string
	Thought     bool
}

func TextPart(text string) Part {
	return Part{Text: text}
}

func FilePart(uri, mimeType string) Part {
	return Part{FileURI: uri, MIMEType: mimeType}
}

func (p Part) IsText() bool {
	return p.FileURI == "" && p.InlineData == nil
}

type Turn struct {
	Role  string
	Parts []Part
}

// ThinkingConfig is either a token budget or a named level.
type ThinkingConfig struct {
	Budget *int32
	Level  string
}

type GenerateConfig struct {
	SystemInstruction []string
	Temperature       *float32
	Thinking          *ThinkingConfig
}

type Usage struct {
	PromptTokens    int64
	CandidateTokens int64
	ThoughtTokens   int64
}

// Output is what the conversation is billed for on the response side.
func (u Usage) Output() int64 {
	return u.CandidateTokens + u.ThoughtTokens
}

type Response struct {
	Parts        []Part
	Usage        Usage
	BlockReason  string
	BlockMessage string
}

// Text joins the non-thought text parts.
func (r *Response) Text() string {
	var b strings.Builder
	for _, p := range r.Parts {
		if p.Thought || !p.IsText() {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

type UploadedFile struct {
	Name     string
	URI      string
	MIMEType string
}

type Client interface {
	GenerateContent(ctx context.Context, model string, turns []Turn, cfg *GenerateConfig) (*Response, error)
	CountTokens(ctx context.Context, model string, turns []Turn) (int64, error)
	UploadFile(ctx context.Context, r io.Reader, mimeType, displayName string) (*UploadedFile, error)
}

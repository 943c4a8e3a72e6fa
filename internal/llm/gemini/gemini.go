// Package gemini implements llm.Client on the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nunnarivu-labs/ishtar/internal/llm"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

type Client struct {
	client *genai.Client
}

func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Client{client: client}, nil
}

var safetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
}

func (c *Client) GenerateContent(ctx context.Context, model string, turns []llm.Turn, cfg *llm.GenerateConfig) (*llm.Response, error) {
	resp, err := c.client.Models.GenerateContent(ctx, model, toContents(turns), toConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	out := fromResponse(resp)
	logrus.Debugf("Gemini usage for %s: prompt=%d candidates=%d thoughts=%d",
		model, out.Usage.PromptTokens, out.Usage.CandidateTokens, out.Usage.ThoughtTokens)
	return out, nil
}

func (c *Client) CountTokens(ctx context.Context, model string, turns []llm.Turn) (int64, error) {
	resp, err := c.client.Models.CountTokens(ctx, model, toContents(turns), nil)
	if err != nil {
		return 0, fmt.Errorf("gemini count tokens: %w", err)
	}
	return int64(resp.TotalTokens), nil
}

func (c *Client) UploadFile(ctx context.Context, r io.Reader, mimeType, displayName string) (*llm.UploadedFile, error) {
	f, err := c.client.Files.Upload(ctx, r, &genai.UploadFileConfig{
		MIMEType:    mimeType,
		DisplayName: displayName,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini upload file: %w", err)
	}
	return &llm.UploadedFile{Name: f.Name, URI: f.URI, MIMEType: f.MIMEType}, nil
}

func toContents(turns []llm.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		c := &genai.Content{Role: t.Role}
		for _, p := range t.Parts {
			switch {
			case p.FileURI != "":
				c.Parts = append(c.Parts, genai.NewPartFromURI(p.FileURI, p.MIMEType))
			case p.InlineData != nil:
				c.Parts = append(c.Parts, genai.NewPartFromBytes(p.InlineData, p.MIMEType))
			default:
				c.Parts = append(c.Parts, genai.NewPartFromText(p.Text))
			}
		}
		contents = append(contents, c)
	}
	return contents
}

func toConfig(cfg *llm.GenerateConfig) *genai.GenerateContentConfig {
	out := &genai.GenerateContentConfig{SafetySettings: safetySettings}
	if cfg == nil {
		return out
	}
	out.Temperature = cfg.Temperature

	if len(cfg.SystemInstruction) > 0 {
		si := &genai.Content{Role: llm.RoleUser}
		for _, s := range cfg.SystemInstruction {
			si.Parts = append(si.Parts, genai.NewPartFromText(s))
		}
		out.SystemInstruction = si
	}

	if t := cfg.Thinking; t != nil {
		tc := &genai.ThinkingConfig{ThinkingBudget: t.Budget}
		if t.Level != "" {
			tc.ThinkingLevel = genai.ThinkingLevel(t.Level)
		}
		out.ThinkingConfig = tc
	}
	return out
}

func fromResponse(resp *genai.GenerateContentResponse) *llm.Response {
	out := &llm.Response{}
	if resp == nil {
		return out
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:    int64(u.PromptTokenCount),
			CandidateTokens: int64(u.CandidatesTokenCount),
			ThoughtTokens:   int64(u.ThoughtsTokenCount),
		}
	}
	if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
		out.BlockReason = string(pf.BlockReason)
		out.BlockMessage = pf.BlockReasonMessage
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil {
			continue
		}
		switch {
		case p.InlineData != nil:
			out.Parts = append(out.Parts, llm.Part{
				InlineData:  p.InlineData.Data,
				MIMEType:    p.InlineData.MIMEType,
				DisplayName: p.InlineData.DisplayName,
			})
		case p.Text != "":
			out.Parts = append(out.Parts, llm.Part{Text: p.Text, Thought: p.Thought})
		}
	}
	return out
}

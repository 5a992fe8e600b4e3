// Package ai implements the classification provider: an HTTP service that
// turns free-form transaction text (or a receipt image) into a category
// guess using Gemini. The pipeline treats it as an opaque, fallible
// collaborator; everything Gemini-specific stays behind this package.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// ErrUpstream marks a failed or rate-limited Gemini call. The HTTP layer
// maps it to 503 so callers know to retry.
var ErrUpstream = errors.New("model call failed")

// Instructions is the per-request instruction payload from the caller.
type Instructions struct {
	SystemPrompt string `json:"system_prompt"`
	ModelName    string `json:"model_name"`
}

// Response is the classification contract the pipeline expects.
type Response struct {
	CategoryName string  `json:"category_name"`
	CategoryType string  `json:"category_type"`
	Amount       float64 `json:"amount,omitempty"`
	Confidence   float64 `json:"confidence"`
}

const defaultModel = "gemini-2.5-flash"

type Service struct {
	client *genai.Client
	fetch  *http.Client
}

// NewService creates the Gemini client. The API key is read from the
// environment by the genai SDK.
func NewService(ctx context.Context) (*Service, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Service{
		client: client,
		fetch:  &http.Client{},
	}, nil
}

func buildPrompt(inst Instructions, input string) string {
	var b strings.Builder
	b.WriteString("Role: " + inst.SystemPrompt + "\n")
	b.WriteString("Transaction input: '" + input + "'\n\n")
	b.WriteString("Analyze the input above. ")
	b.WriteString("Output MUST be a single valid JSON object without markdown fences.\n")
	b.WriteString("JSON format: { \"category\": string, \"category_type\": \"income\"|\"expense\", " +
		"\"amount\": number, \"confidence\": number between 0.0 and 1.0 }\n")
	b.WriteString("If no amount is present in the input, use 0 for \"amount\".\n")
	return b.String()
}

// ClassifyText classifies a textual transaction description.
func (s *Service) ClassifyText(ctx context.Context, text string, inst Instructions) (Response, error) {
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: buildPrompt(inst, text)}},
	}}

	return s.generate(ctx, inst, contents)
}

// ClassifyImage fetches the referenced receipt image and sends it to the
// model inline, together with the same instruction template used for text.
func (s *Service) ClassifyImage(ctx context.Context, imageRef string, inst Instructions) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageRef, nil)
	if err != nil {
		return Response{}, fmt.Errorf("build image fetch request: %w", err)
	}

	resp, err := s.fetch.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("fetch image %s: %v: %w", imageRef, err, ErrUpstream)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("fetch image %s: status %d: %w", imageRef, resp.StatusCode, ErrUpstream)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read image %s: %v: %w", imageRef, err, ErrUpstream)
	}

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: buildPrompt(inst, "see attached receipt image")},
			{InlineData: &genai.Blob{
				MIMEType: http.DetectContentType(data),
				Data:     data,
			}},
		},
	}}

	return s.generate(ctx, inst, contents)
}

func (s *Service) generate(ctx context.Context, inst Instructions, contents []*genai.Content) (Response, error) {
	model := inst.ModelName
	if model == "" {
		model = defaultModel
	}

	resp, err := s.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return Response{}, fmt.Errorf("generate content with %s: %v: %w", model, err, ErrUpstream)
	}

	rawText := resp.Text()
	if rawText == "" {
		return Response{}, fmt.Errorf("empty response from %s: %w", model, ErrUpstream)
	}

	result := ParseModelOutput(rawText)
	slog.InfoContext(ctx, "Model classification",
		"model", model,
		"category_name", result.CategoryName,
		"category_type", result.CategoryType,
		"confidence", result.Confidence)

	return result, nil
}

// modelOutput tolerates the key variants the model produces.
type modelOutput struct {
	Category     string  `json:"category"`
	CategoryName string  `json:"category_name"`
	CategoryType string  `json:"category_type"`
	Amount       float64 `json:"amount"`
	Confidence   float64 `json:"confidence"`
}

// ParseModelOutput cleans the raw model text and maps it onto the response
// contract. Output we cannot interpret becomes the uncategorized default
// rather than an error; the model answered, it just answered badly.
func ParseModelOutput(raw string) Response {
	uncategorized := Response{
		CategoryName: "Uncategorized",
		CategoryType: "expense",
		Confidence:   0.0,
	}

	clean := CleanModelJSON(raw)

	var out modelOutput
	if err := json.Unmarshal([]byte(clean), &out); err != nil {
		return uncategorized
	}

	name := out.CategoryName
	if name == "" {
		name = out.Category
	}
	if name == "" {
		return uncategorized
	}

	kind := strings.ToLower(strings.TrimSpace(out.CategoryType))
	if kind != "income" && kind != "expense" {
		kind = "expense"
	}

	resp := Response{
		CategoryName: name,
		CategoryType: kind,
		Confidence:   out.Confidence,
	}
	if out.Amount > 0 {
		resp.Amount = out.Amount
	}
	if resp.Confidence < 0 {
		resp.Confidence = 0
	}
	if resp.Confidence > 1 {
		resp.Confidence = 1
	}

	return resp
}

// CleanModelJSON strips markdown fences and surrounding junk if the model
// ignored the no-markdown instruction, keeping only the outermost JSON
// object.
func CleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}

	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}

	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}

	return s
}

package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
	"github.com/timmy/ringforge/internal/prompts"
)

// LLMService talks to an OpenAI-compatible chat completion API. It is the
// Generator, Repairer and Reviewer of every task.
type LLMService struct {
	client       *resty.Client
	model        string
	apiKey       string
	endpoint     string
	systemPrompt string
	maxTokens    int
	inputPrice   float64
	outputPrice  float64
}

// LLMConfig holds configuration for LLM service.
type LLMConfig struct {
	Model             string
	APIKey            string
	BaseURL           string
	SystemPrompt      string
	MaxTokens         int
	InputCostPerMTok  float64
	OutputCostPerMTok float64
	Timeout           time.Duration
	Retries           int
}

// NewLLMService creates a new LLM service.
// Parameters:
//   - cfg: model, credentials, prices and transport settings.
//
// Returns:
//   - *LLMService: initialized client wrapper.
func NewLLMService(cfg *LLMConfig) *LLMService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 2
	}

	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)
	client.SetRetryCount(retries).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(20 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			// 529 is the overloaded status some providers return
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() == 529 || r.StatusCode() >= 500
		})

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = prompts.DefaultSystemPrompt
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 16000
	}

	return &LLMService{
		client:       client,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		endpoint:     strings.TrimSuffix(baseURL, "/") + "/chat/completions",
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		inputPrice:   cfg.InputCostPerMTok,
		outputPrice:  cfg.OutputCostPerMTok,
	}
}

// GetModel returns the model name being used.
func (s *LLMService) GetModel() string {
	return s.model
}

// SystemPrompt returns the master prompt every generation is sent with.
func (s *LLMService) SystemPrompt() string {
	return s.systemPrompt
}

// Available reports whether credentials are configured.
func (s *LLMService) Available() bool {
	return s.apiKey != ""
}

// Cost prices a call at the configured per-million-token rates.
func (s *LLMService) Cost(inputTokens, outputTokens int) float64 {
	return domain.RoundCost(float64(inputTokens)/1e6*s.inputPrice + float64(outputTokens)/1e6*s.outputPrice)
}

// Image is an inline image attachment.
type Image struct {
	MIME string
	Data []byte
}

// DataURI encodes the image as a data: URI.
func (i Image) DataURI() string {
	mime := i.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(i.Data))
}

// CompletionRequest is one chat call.
type CompletionRequest struct {
	Step   string
	System string
	Prompt string
	Images []Image
	// Model overrides the configured model when set.
	Model string
}

// OpenAI-compatible Chat Completion API request/response structures
type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string for system, []interface{} for user with images
}

type openAITextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type openAIImageContent struct {
	Type     string         `json:"type"`
	ImageURL openAIImageURL `json:"image_url"`
}

type openAIImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends one chat completion and prices its usage.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: system prompt, user prompt and optional images.
//
// Returns:
//   - string: raw reply text.
//   - domain.UsageInfo: tokens and USD cost of the call.
//   - error: non-nil if the API request fails.
func (s *LLMService) Complete(ctx context.Context, req CompletionRequest) (string, domain.UsageInfo, error) {
	usage := domain.UsageInfo{Step: req.Step}
	model := req.Model
	if model == "" {
		model = s.model
	}

	var userContent interface{} = req.Prompt
	if len(req.Images) > 0 {
		parts := []interface{}{openAITextContent{Type: "text", Text: req.Prompt}}
		for _, img := range req.Images {
			parts = append(parts, openAIImageContent{
				Type:     "image_url",
				ImageURL: openAIImageURL{URL: img.DataURI(), Detail: "high"},
			})
		}
		userContent = parts
	}

	messages := make([]openAIMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: userContent})

	var resp openAIResponse
	start := time.Now()
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(openAIRequest{Model: model, Messages: messages, MaxTokens: s.maxTokens}).
		SetResult(&resp).
		SetError(&resp).
		Post(s.endpoint)
	if err != nil {
		return "", usage, fmt.Errorf("failed to call LLM API: %w", err)
	}

	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		errorMsg := fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode(), truncate(string(httpResp.Body()), 500))
		if resp.Error != nil {
			errorMsg = fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode(), resp.Error.Message)
		}
		return "", usage, fmt.Errorf("LLM API returned error: %s", errorMsg)
	}
	if resp.Error != nil {
		return "", usage, fmt.Errorf("LLM API error: %s", resp.Error.Message)
	}

	usage.InputTokens = resp.Usage.PromptTokens
	usage.OutputTokens = resp.Usage.CompletionTokens
	usage.CostUSD = s.Cost(usage.InputTokens, usage.OutputTokens)

	if len(resp.Choices) == 0 {
		return "", usage, fmt.Errorf("no response from LLM API (status: %d)", httpResp.StatusCode())
	}

	logger.With(logger.Fields{
		"step":          req.Step,
		"model":         model,
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
	}).WithDuration(time.Since(start).Milliseconds()).
		WithCost(usage.CostUSD).
		Info(ctx, "LLM call completed")

	return resp.Choices[0].Message.Content, usage, nil
}

// GenerationSpec describes the first candidate a task wants.
type GenerationSpec struct {
	Step   string
	Prompt string
	Images []Image
	Model  string
}

// Generate asks for a complete script and extracts its code.
func (s *LLMService) Generate(ctx context.Context, spec GenerationSpec) (string, domain.UsageInfo, error) {
	step := spec.Step
	if step == "" {
		step = "generate"
	}
	raw, usage, err := s.Complete(ctx, CompletionRequest{
		Step:   step,
		System: s.systemPrompt,
		Prompt: spec.Prompt,
		Images: spec.Images,
		Model:  spec.Model,
	})
	if err != nil {
		return "", usage, err
	}
	code := ExtractCode(raw)
	if code == "" {
		return "", usage, errors.New("LLM reply contained no code")
	}
	return code, usage, nil
}

// RepairRequest carries a failed render back to the LLM.
type RepairRequest struct {
	Code          string
	ErrorText     string
	SpatialReport string
	Model         string
}

// Repair asks for a minimal fix of a script that failed to render.
func (s *LLMService) Repair(ctx context.Context, req RepairRequest) (string, domain.UsageInfo, error) {
	raw, usage, err := s.Complete(ctx, CompletionRequest{
		Step:   "fix",
		System: s.systemPrompt,
		Prompt: prompts.BuildFixPrompt(req.Code, truncate(req.ErrorText, 2000), req.SpatialReport),
		Model:  req.Model,
	})
	if err != nil {
		return "", usage, err
	}
	code := ExtractCode(raw)
	if code == "" {
		return "", usage, errors.New("LLM fix reply contained no code")
	}
	return code, usage, nil
}

// ReviewRequest asks for a structural review of rendered screenshots.
type ReviewRequest struct {
	Code        string
	UserPrompt  string
	Screenshots []Image
	Model       string
}

// Verdict is the decoded review reply.
type Verdict struct {
	IsValid       bool   `json:"is_valid"`
	Message       string `json:"message"`
	CorrectedCode string `json:"corrected_code"`
}

// Review sends the screenshots and code and decodes the verdict.
func (s *LLMService) Review(ctx context.Context, req ReviewRequest) (*Verdict, domain.UsageInfo, error) {
	raw, usage, err := s.Complete(ctx, CompletionRequest{
		Step:   "validate",
		System: prompts.ValidatorSystemPrompt,
		Prompt: prompts.BuildValidationPrompt(req.Code, req.UserPrompt, s.systemPrompt, len(req.Screenshots)),
		Images: req.Screenshots,
		Model:  req.Model,
	})
	if err != nil {
		return nil, usage, err
	}
	return ParseVerdict(raw), usage, nil
}

// ParseVerdict decodes a review reply. The JSON object with fixed keys is
// the primary format; a reply that starts with VALID, or that carries a
// fenced python block, is read as the older plain-text format.
func ParseVerdict(raw string) *Verdict {
	text := strings.TrimSpace(raw)

	if v, ok := decodeVerdictJSON(text); ok {
		if !v.IsValid && strings.TrimSpace(v.CorrectedCode) == "" {
			// nothing to apply, so the design stands
			return &Verdict{IsValid: true, Message: "Ring approved (no corrections needed)"}
		}
		v.CorrectedCode = ExtractCode(v.CorrectedCode)
		return v
	}

	if strings.HasPrefix(strings.ToUpper(text), "VALID") {
		return &Verdict{IsValid: true, Message: "Ring design is beautiful!"}
	}
	if strings.Contains(text, "```python") {
		return &Verdict{IsValid: false, Message: "Generating more beautiful design...", CorrectedCode: ExtractCode(text)}
	}
	return &Verdict{IsValid: true, Message: "Ring approved (no corrections needed)"}
}

func decodeVerdictJSON(text string) (*Verdict, bool) {
	if _, after, ok := strings.Cut(text, "```json"); ok {
		text, _, _ = strings.Cut(after, "```")
		text = strings.TrimSpace(text)
	}
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}

	var payload struct {
		IsValid       *bool  `json:"is_valid"`
		Message       string `json:"message"`
		CorrectedCode string `json:"corrected_code"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil || payload.IsValid == nil {
		return nil, false
	}
	v := &Verdict{IsValid: *payload.IsValid, Message: payload.Message, CorrectedCode: payload.CorrectedCode}
	if v.Message == "" {
		v.Message = "Ring design is beautiful!"
		if !v.IsValid {
			v.Message = "Generating more beautiful design..."
		}
	}
	return v, true
}

func getMIMEType(format string) string {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func extensionFor(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}

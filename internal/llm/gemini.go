package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomlabs/loom/internal/types"
)

const defaultGeminiHost = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider streams the generateContent API over SSE.
type GeminiProvider struct {
	apiKey     string
	host       string
	httpClient *http.Client
}

func NewGeminiProvider(apiKey string) *GeminiProvider {
	return &GeminiProvider{
		apiKey:     apiKey,
		host:       defaultGeminiHost,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *GeminiProvider) Name() types.Provider { return types.ProviderGemini }

type geminiPart struct {
	Text             string `json:"text,omitempty"`
	Thought          bool   `json:"thought,omitempty"`
	ThoughtSignature string `json:"thoughtSignature,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
		ThinkingConfig  *struct {
			IncludeThoughts bool `json:"includeThoughts"`
		} `json:"thinkingConfig,omitempty"`
	} `json:"generationConfig"`
	Tools []map[string]any `json:"tools,omitempty"`
}

type geminiStreamResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	ResponseID string `json:"responseId"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *GeminiProvider) Stream(ctx context.Context, req StreamRequest) (<-chan Chunk, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: gemini API key not configured", types.ErrInvalidArgument)
	}

	body := geminiRequest{Contents: geminiContents(req.Messages)}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	body.GenerationConfig.MaxOutputTokens = req.MaxTokens
	if req.Thinking {
		body.GenerationConfig.ThinkingConfig = &struct {
			IncludeThoughts bool `json:"includeThoughts"`
		}{IncludeThoughts: true}
	}
	if req.WebSearch {
		body.Tools = []map[string]any{{"google_search": map[string]any{}}}
	}

	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(out)
		if err := p.stream(ctx, req.Model, body, out); err != nil {
			fail(out, err)
		}
	}()
	return out, nil
}

func geminiContents(messages []Message) []geminiContent {
	out := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		var parts []geminiPart
		if len(m.Blocks) > 0 {
			for _, b := range m.Blocks {
				switch b.Type {
				case types.BlockText:
					parts = append(parts, geminiPart{Text: b.Text})
				case types.BlockThinkingSignature:
					parts = append(parts, geminiPart{ThoughtSignature: b.Signature})
				}
			}
		} else {
			parts = []geminiPart{{Text: m.Content}}
		}
		out = append(out, geminiContent{Role: role, Parts: parts})
	}
	return out
}

func (p *GeminiProvider) stream(ctx context.Context, model string, body geminiRequest, out chan<- Chunk) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.host, model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, errBody)
	}

	var lastEvent json.RawMessage
	sentMeta := false

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		var event geminiStreamResponse
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Error != nil {
			return fmt.Errorf("API error: %s", event.Error.Message)
		}
		lastEvent = append(lastEvent[:0], line...)

		if !sentMeta && event.ResponseID != "" {
			sentMeta = true
			out <- Chunk{Type: ChunkMeta, ResponseID: event.ResponseID}
		}
		for _, cand := range event.Candidates {
			for _, part := range cand.Content.Parts {
				if part.ThoughtSignature != "" {
					out <- Chunk{Type: ChunkThinkingSignature, Text: part.ThoughtSignature}
				}
				switch {
				case part.Text == "":
				case part.Thought:
					out <- Chunk{Type: ChunkThinking, Text: part.Text}
				default:
					out <- Chunk{Type: ChunkText, Text: part.Text}
				}
			}
		}
	}

	if lastEvent != nil {
		out <- Chunk{Type: ChunkRawResponse, Payload: lastEvent}
	}
	return nil
}

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

// ResponsesProvider streams the OpenAI responses API. It is the only
// responses-capable provider: previous_response_id threads the
// server-side conversation, so the context window can stay small.
type ResponsesProvider struct {
	apiKey     string
	host       string
	httpClient *http.Client
}

func NewResponsesProvider(apiKey string) *ResponsesProvider {
	return &ResponsesProvider{
		apiKey:     apiKey,
		host:       defaultOpenAIHost,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *ResponsesProvider) Name() types.Provider { return types.ProviderOpenAIResponses }

type responsesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesRequest struct {
	Model              string           `json:"model"`
	Input              []responsesInput `json:"input"`
	Instructions       string           `json:"instructions,omitempty"`
	Stream             bool             `json:"stream"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	MaxOutputTokens    int              `json:"max_output_tokens,omitempty"`
	Tools              []map[string]any `json:"tools,omitempty"`
}

type responsesEvent struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta"`
	Response json.RawMessage `json:"response"`
}

func (p *ResponsesProvider) Stream(ctx context.Context, req StreamRequest) (<-chan Chunk, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: openai API key not configured", types.ErrInvalidArgument)
	}

	body := responsesRequest{
		Model:              req.Model,
		Instructions:       req.System,
		Stream:             true,
		PreviousResponseID: req.PreviousResponseID,
		MaxOutputTokens:    req.MaxTokens,
	}
	for _, m := range req.Messages {
		body.Input = append(body.Input, responsesInput{Role: string(m.Role), Content: m.Flatten()})
	}
	if req.WebSearch {
		body.Tools = []map[string]any{{"type": "web_search"}}
	}

	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(out)
		if err := p.stream(ctx, body, out); err != nil {
			fail(out, err)
		}
	}()
	return out, nil
}

func (p *ResponsesProvider) stream(ctx context.Context, body responsesRequest, out chan<- Chunk) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.host+"/responses", bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, errBody)
	}

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
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var event responsesEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		switch event.Type {
		case "response.created":
			if !sentMeta {
				var created struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(event.Response, &created); err == nil && created.ID != "" {
					sentMeta = true
					out <- Chunk{Type: ChunkMeta, ResponseID: created.ID}
				}
			}
		case "response.output_text.delta":
			out <- Chunk{Type: ChunkText, Text: event.Delta}
		case "response.reasoning_summary_text.delta":
			out <- Chunk{Type: ChunkThinking, Text: event.Delta}
		case "response.completed":
			out <- Chunk{Type: ChunkRawResponse, Payload: event.Response}
		case "response.failed", "error":
			return fmt.Errorf("API error: %s", event.Response)
		}
	}
	return nil
}

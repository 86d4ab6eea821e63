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

const defaultOpenAIHost = "https://api.openai.com/v1"

// OpenAIProvider streams the plain chat-completions API over SSE.
type OpenAIProvider struct {
	apiKey     string
	host       string
	httpClient *http.Client
}

func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:     apiKey,
		host:       defaultOpenAIHost,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *OpenAIProvider) Name() types.Provider { return types.ProviderOpenAI }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Stream        bool            `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
	MaxCompletionTokens int `json:"max_completion_tokens,omitempty"`
}

type openAIStreamResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAIProvider) Stream(ctx context.Context, req StreamRequest) (<-chan Chunk, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: openai API key not configured", types.ErrInvalidArgument)
	}

	body := openAIRequest{
		Model:               req.Model,
		Messages:            openAIMessages(req),
		Stream:              true,
		MaxCompletionTokens: req.MaxTokens,
	}
	body.StreamOptions.IncludeUsage = true

	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(out)
		if err := p.stream(ctx, body, out); err != nil {
			fail(out, err)
		}
	}()
	return out, nil
}

func openAIMessages(req StreamRequest) []openAIMessage {
	out := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		// Chat-completions has no block structure; everything flattens.
		out = append(out, openAIMessage{Role: string(m.Role), Content: m.Flatten()})
	}
	return out
}

func (p *OpenAIProvider) stream(ctx context.Context, body openAIRequest, out chan<- Chunk) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.host+"/chat/completions", bytes.NewReader(requestBody))
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

	var responseID string
	var content bytes.Buffer
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

		var event openAIStreamResponse
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Error != nil {
			return fmt.Errorf("API error: %s", event.Error.Message)
		}
		if event.ID != "" {
			responseID = event.ID
			if !sentMeta {
				sentMeta = true
				out <- Chunk{Type: ChunkMeta, ResponseID: responseID}
			}
		}
		if len(event.Choices) == 0 {
			continue
		}
		delta := event.Choices[0].Delta
		if delta.Reasoning != "" {
			out <- Chunk{Type: ChunkThinking, Text: delta.Reasoning}
		}
		if delta.Content != "" {
			content.WriteString(delta.Content)
			out <- Chunk{Type: ChunkText, Text: delta.Content}
		}
	}

	raw, err := json.Marshal(map[string]string{"id": responseID, "content": content.String()})
	if err != nil {
		return fmt.Errorf("failed to capture raw response: %w", err)
	}
	out <- Chunk{Type: ChunkRawResponse, Payload: raw}
	return nil
}

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amphibian-ai/amphibian/internal/tlsutil"
	"github.com/amphibian-ai/amphibian/types"
)

// HTTPConfig configures an OpenAI-compatible endpoint, typically a local
// llama.cpp or ollama server.
type HTTPConfig struct {
	// BaseURL is the API root, e.g. "http://127.0.0.1:11434/v1".
	BaseURL string
	// Model is the model name passed on every request.
	Model string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// Timeout bounds non-streaming requests. Default 120s.
	Timeout time.Duration
}

// HTTPEngine implements Engine against an OpenAI-compatible chat API.
type HTTPEngine struct {
	cfg    HTTPConfig
	client *http.Client
}

var _ Engine = (*HTTPEngine)(nil)

// NewHTTPEngine creates an engine over an OpenAI-compatible endpoint.
func NewHTTPEngine(cfg HTTPConfig) (*HTTPEngine, error) {
	if cfg.BaseURL == "" {
		return nil, types.NewError(types.ErrInputInvalid, "engine base URL is required")
	}
	if cfg.Model == "" {
		return nil, types.NewError(types.ErrInputInvalid, "engine model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &HTTPEngine{
		cfg: cfg,
		// No client-level timeout: streaming responses stay open for as
		// long as the model generates. Callers bound requests via ctx.
		client: &http.Client{Transport: tlsutil.SecureTransport()},
	}, nil
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message  `json:"message"`
		Delta   *Message `json:"delta,omitempty"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Chat runs a blocking completion.
func (e *HTTPEngine) Chat(ctx context.Context, messages []Message) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp, err := e.post(ctx, "/chat/completions", chatRequest{
		Model:    e.cfg.Model,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrIntegrity, "decode engine response").WithCause(err)
	}
	if len(out.Choices) == 0 {
		return nil, types.NewError(types.ErrIntegrity, "engine returned no choices")
	}
	return &Reply{Content: out.Choices[0].Message.Content}, nil
}

// ChatStream runs a streaming completion over SSE. The returned channel
// closes when the stream ends or ctx is cancelled.
func (e *HTTPEngine) ChatStream(ctx context.Context, messages []Message) (<-chan string, error) {
	resp, err := e.post(ctx, "/chat/completions", chatRequest{
		Model:    e.cfg.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan string)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			for _, choice := range chunk.Choices {
				if choice.Delta == nil || choice.Delta.Content == "" {
					continue
				}
				select {
				case ch <- choice.Delta.Content:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// Embed returns the embedding vector for text. The endpoint's embedding
// model is whatever Model names; servers that multiplex chat and
// embedding models accept the same name on both routes.
func (e *HTTPEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp, err := e.post(ctx, "/embeddings", embeddingRequest{
		Model: e.cfg.Model,
		Input: text,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrIntegrity, "decode embedding response").WithCause(err)
	}
	if len(out.Data) == 0 {
		return nil, types.NewError(types.ErrIntegrity, "engine returned no embedding")
	}
	return out.Data[0].Embedding, nil
}

func (e *HTTPEngine) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInputInvalid, "marshal engine request").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(e.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInputInvalid, "build engine request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrTransportLost, "engine request failed").
			WithCause(err).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, types.Errorf(types.ErrIntegrity, "engine returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

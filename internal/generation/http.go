package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultModel         = "dall-e-3"
	defaultSize          = "1024x1024"
	defaultTimeout       = 60 * time.Second
	generationsPath      = "/v1/images/generations"
	maxErrorBodyBytes    = 4096
	headerAuthorization  = "Authorization"
	headerContentType    = "Content-Type"
	contentTypeJSON      = "application/json"
	authorizationPattern = "Bearer %s"
)

// HTTPConfig configures an HTTPGenerator.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Size    string
	Timeout time.Duration
}

// HTTPGenerator calls an OpenAI-compatible image generation endpoint.
type HTTPGenerator struct {
	endpoint string
	apiKey   string
	model    string
	size     string
	client   *http.Client
}

// NewHTTPGenerator validates config. A nil client gets a dedicated client with config.Timeout.
func NewHTTPGenerator(config HTTPConfig, client *http.Client) (*HTTPGenerator, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidConfig)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	generator := &HTTPGenerator{
		endpoint: baseURL + generationsPath,
		apiKey:   strings.TrimSpace(config.APIKey),
		model:    config.Model,
		size:     config.Size,
		client:   client,
	}
	if generator.model == "" {
		generator.model = defaultModel
	}
	if generator.size == "" {
		generator.size = defaultSize
	}
	return generator, nil
}

type generationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type generationResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate requests one image and returns its URL.
func (generator *HTTPGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generationRequest{Model: generator.model, Prompt: prompt, N: 1, Size: generator.size})
	if err != nil {
		return "", fmt.Errorf("encode generation request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, generator.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generation request: %w", err)
	}
	request.Header.Set(headerAuthorization, fmt.Sprintf(authorizationPattern, generator.apiKey))
	request.Header.Set(headerContentType, contentTypeJSON)

	response, err := generator.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("call image provider: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		message := strings.TrimSpace(string(raw))
		var decoded errorResponse
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error.Message != "" {
			message = decoded.Error.Message
		}
		return "", &UpstreamError{StatusCode: response.StatusCode, Message: message}
	}

	var decoded generationResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode generation response: %w", err)
	}
	if len(decoded.Data) == 0 || decoded.Data[0].URL == "" {
		return "", ErrEmptyResult
	}
	return decoded.Data[0].URL, nil
}

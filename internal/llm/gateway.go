package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/common"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// ErrAllModelsFailed is returned when every model variant rejected or
// errored for a request.
var ErrAllModelsFailed = errors.New("all model variants failed")

const (
	// serverErrorBackoffStep is the per-attempt wait after a server or
	// network failure.
	serverErrorBackoffStep = 2 * time.Second

	// serverErrorBackoffMax caps the server-error wait.
	serverErrorBackoffMax = 8 * time.Second

	// imageTokenEstimate approximates the token cost of one JPEG part.
	imageTokenEstimate = 258
)

// Request is one structured-extraction call
type Request struct {
	Prompt       string
	Images       [][]byte // optional JPEG parts for multimodal extraction
	ResponseJSON bool     // request application/json output
}

// EstimateTokens approximates the token cost of a request. Only relative
// ordering and monotonicity with payload size matter.
func EstimateTokens(req Request) int {
	tokens := (len(req.Prompt) + 3) / 4
	tokens += len(req.Images) * imageTokenEstimate
	return tokens
}

// Gateway routes extraction requests across the credential pool and an
// ordered list of model variants, classifying every outcome back into the
// pool's quota state.
type Gateway struct {
	pool        *CredentialPool
	clients     map[string]*genai.Client // one client per credential key
	models      []string
	callTimeout time.Duration
	budget      time.Duration
	temperature float32
	cooldown    *rate.Limiter
	logger      arbor.ILogger
}

// GatewayOption configures the Gateway.
type GatewayOption func(*gatewayOptions)

type gatewayOptions struct {
	baseURL    string
	httpClient *http.Client
}

// WithBaseURL points the underlying API client at a custom endpoint.
// Used by tests to run against a local server.
func WithBaseURL(baseURL string) GatewayOption {
	return func(o *gatewayOptions) {
		o.baseURL = baseURL
	}
}

// WithGatewayHTTPClient sets a custom HTTP client for API calls.
func WithGatewayHTTPClient(httpClient *http.Client) GatewayOption {
	return func(o *gatewayOptions) {
		o.httpClient = httpClient
	}
}

// NewGateway creates a Gateway over the given pool. One API client is
// constructed per credential; the pool decides which one each call uses.
func NewGateway(ctx context.Context, cfg *common.GeminiConfig, pool *CredentialPool, logger arbor.ILogger, opts ...GatewayOption) (*Gateway, error) {
	if pool == nil {
		return nil, errors.New("credential pool is required")
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("at least one model variant is required")
	}

	var options gatewayOptions
	for _, opt := range opts {
		opt(&options)
	}

	clients := make(map[string]*genai.Client, len(cfg.Credentials))
	for _, cred := range cfg.Credentials {
		clientConfig := &genai.ClientConfig{
			APIKey:  cred.Key,
			Backend: genai.BackendGeminiAPI,
		}
		if options.httpClient != nil {
			clientConfig.HTTPClient = options.httpClient
		}
		if options.baseURL != "" {
			clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: options.baseURL}
		}
		client, err := genai.NewClient(ctx, clientConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create API client: %w", err)
		}
		clients[cred.Key] = client
	}

	cooldown := time.Duration(cfg.Cooldown)
	if cooldown <= 0 {
		cooldown = time.Second
	}

	return &Gateway{
		pool:        pool,
		clients:     clients,
		models:      cfg.Models,
		callTimeout: time.Duration(cfg.CallTimeout),
		budget:      time.Duration(cfg.AcquisitionBudget),
		temperature: cfg.Temperature,
		cooldown:    rate.NewLimiter(rate.Every(cooldown), 1),
		logger:      logger,
	}, nil
}

// Generate issues the request, trying model variants in order and rotating
// credentials on quota failures. Returns the raw model text on the first
// success. Fails with ErrQuotaExhausted or ErrAllModelsFailed.
func (g *Gateway) Generate(ctx context.Context, req Request) (string, error) {
	estimated := EstimateTokens(req)

	// The budget bounds the whole routine including quota waits
	deadline := time.Now().Add(g.budget)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for _, model := range g.models {
		text, err := g.generateWithModel(ctx, model, req, estimated, deadline)
		if err == nil {
			return text, nil
		}
		if errors.Is(err, ErrQuotaExhausted) {
			return "", err
		}
		if errors.Is(err, errModelUnavailable) {
			if g.logger != nil {
				g.logger.Debug().Str("model", model).Msg("Model variant unavailable, trying next")
			}
			continue
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrAllModelsFailed, ctx.Err())
		}
		// Variant kept failing within budget; move on
		if g.logger != nil {
			g.logger.Warn().Err(err).Str("model", model).Msg("Model variant failed")
		}
	}

	return "", ErrAllModelsFailed
}

// errModelUnavailable signals a variant miss (HTTP 404), which moves to the
// next model without penalizing the credential.
var errModelUnavailable = errors.New("model variant not found")

func (g *Gateway) generateWithModel(ctx context.Context, model string, req Request, estimated int, deadline time.Time) (string, error) {
	attempt := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w: budget exhausted for %s", ErrAllModelsFailed, model)
		}

		lease, err := g.pool.Acquire(ctx, estimated, remaining)
		if err != nil {
			return "", err
		}

		if err := g.cooldown.Wait(ctx); err != nil {
			return "", err
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if g.callTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
		}
		text, err := g.call(callCtx, lease.Key(), model, req)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return text, nil
		}

		code := statusCode(err)
		switch {
		case code == http.StatusNotFound:
			return "", errModelUnavailable

		case code == http.StatusTooManyRequests:
			lease.MarkMinuteExhausted()
			if g.logger != nil {
				g.logger.Debug().Int("project", lease.Project()).Msg("Credential rate limited, minute window exhausted")
			}

		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			lease.MarkDayExhausted()
			if g.logger != nil {
				g.logger.Warn().Int("project", lease.Project()).Int("status", code).Msg("Credential rejected, exhausted for the day")
			}

		case code == 0 || code >= 500:
			lease.RecordFailure()
			attempt++
			wait := time.Duration(attempt) * serverErrorBackoffStep
			if wait > serverErrorBackoffMax {
				wait = serverErrorBackoffMax
			}
			if g.logger != nil {
				g.logger.Debug().Err(err).Str("wait", wait.String()).Msg("Server error, backing off")
			}
			if err := sleepWithContext(ctx, wait); err != nil {
				return "", err
			}

		default:
			// Other 4xx: treat like a short-term quota problem
			lease.MarkMinuteExhausted()
			if g.logger != nil {
				g.logger.Warn().Err(err).Int("status", code).Msg("Client error from extraction API")
			}
		}
	}
}

// call issues one API request with one credential
func (g *Gateway) call(ctx context.Context, key, model string, req Request) (string, error) {
	client, ok := g.clients[key]
	if !ok {
		return "", fmt.Errorf("no client for credential")
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img, "image/jpeg"))
	}
	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}
	if req.ResponseJSON {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return "", fmt.Errorf("empty response from model %s", model)
	}

	return text, nil
}

// statusCode extracts the HTTP status from an API error.
// Zero means network-level failure.
func statusCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}

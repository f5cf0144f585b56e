package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ternarybob/venari/internal/common"
)

func successBody(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"role":"model","parts":[{"text":%q}]},"finishReason":"STOP"}]}`, text)
}

func errorBody(code int, status string) string {
	return fmt.Sprintf(`{"error":{"code":%d,"message":"synthetic","status":%q}}`, code, status)
}

func testGeminiConfig(creds []common.GeminiCredential, models ...string) *common.GeminiConfig {
	if len(models) == 0 {
		models = []string{"test-model"}
	}
	return &common.GeminiConfig{
		Credentials:       creds,
		Models:            models,
		RPM:               100,
		TPM:               1000000,
		RPD:               1000,
		Cooldown:          common.Duration(time.Millisecond),
		CallTimeout:       common.Duration(5 * time.Second),
		AcquisitionBudget: common.Duration(5 * time.Second),
		Temperature:       0.1,
	}
}

func newTestGateway(t *testing.T, cfg *common.GeminiConfig, baseURL string) *Gateway {
	t.Helper()
	pool, err := NewCredentialPool(cfg.Credentials, Limits{RPM: cfg.RPM, TPM: cfg.TPM, RPD: cfg.RPD})
	if err != nil {
		t.Fatalf("NewCredentialPool failed: %v", err)
	}
	gw, err := NewGateway(context.Background(), cfg, pool, nil, WithBaseURL(baseURL))
	if err != nil {
		t.Fatalf("NewGateway failed: %v", err)
	}
	return gw
}

func TestGenerateReturnsModelText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, successBody(`{"ok":true}`))
	}))
	defer server.Close()

	cfg := testGeminiConfig([]common.GeminiCredential{{Key: "key-a", Project: 0}})
	gw := newTestGateway(t, cfg, server.URL)

	text, err := gw.Generate(context.Background(), Request{Prompt: "extract"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != `{"ok":true}` {
		t.Errorf("Unexpected text: %q", text)
	}
}

// A rate-limited credential is retired for its minute window and the call
// succeeds on the next credential.
func TestGenerateRotatesPastRateLimitedCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("x-goog-api-key") == "key-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, errorBody(429, "RESOURCE_EXHAUSTED"))
			return
		}
		fmt.Fprint(w, successBody("from key-b"))
	}))
	defer server.Close()

	cfg := testGeminiConfig([]common.GeminiCredential{
		{Key: "key-a", Project: 0},
		{Key: "key-b", Project: 0},
	})
	gw := newTestGateway(t, cfg, server.URL)

	text, err := gw.Generate(context.Background(), Request{Prompt: "extract"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "from key-b" {
		t.Errorf("Expected success via second credential, got %q", text)
	}

	// Only key-a's minute window is exhausted; key-b stays usable
	stats := gw.pool.Stats()
	if stats.Usable != 1 {
		t.Errorf("Expected 1 usable credential, got %d", stats.Usable)
	}
}

func TestGenerateFallsBackToNextModelVariant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "missing-model") {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, errorBody(404, "NOT_FOUND"))
			return
		}
		fmt.Fprint(w, successBody("from fallback"))
	}))
	defer server.Close()

	cfg := testGeminiConfig(
		[]common.GeminiCredential{{Key: "key-a", Project: 0}},
		"missing-model", "fallback-model",
	)
	gw := newTestGateway(t, cfg, server.URL)

	text, err := gw.Generate(context.Background(), Request{Prompt: "extract"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "from fallback" {
		t.Errorf("Expected fallback model response, got %q", text)
	}

	// A variant miss must not cost the credential its quota windows
	stats := gw.pool.Stats()
	if stats.Usable != 1 {
		t.Errorf("Expected credential still usable after 404, got %d usable", stats.Usable)
	}
}

func TestGenerateAllVariantsMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, errorBody(404, "NOT_FOUND"))
	}))
	defer server.Close()

	cfg := testGeminiConfig(
		[]common.GeminiCredential{{Key: "key-a", Project: 0}},
		"model-one", "model-two",
	)
	gw := newTestGateway(t, cfg, server.URL)

	_, err := gw.Generate(context.Background(), Request{Prompt: "extract"})
	if !errors.Is(err, ErrAllModelsFailed) {
		t.Fatalf("Expected ErrAllModelsFailed, got %v", err)
	}
}

func TestGenerateQuotaExhaustedWithinBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, errorBody(429, "RESOURCE_EXHAUSTED"))
	}))
	defer server.Close()

	cfg := testGeminiConfig([]common.GeminiCredential{{Key: "key-a", Project: 0}})
	cfg.AcquisitionBudget = common.Duration(300 * time.Millisecond)
	gw := newTestGateway(t, cfg, server.URL)

	_, err := gw.Generate(context.Background(), Request{Prompt: "extract"})
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("Expected ErrQuotaExhausted, got %v", err)
	}
}

func TestGenerateAuthFailureExhaustsDay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("x-goog-api-key") == "revoked" {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, errorBody(403, "PERMISSION_DENIED"))
			return
		}
		fmt.Fprint(w, successBody("ok"))
	}))
	defer server.Close()

	cfg := testGeminiConfig([]common.GeminiCredential{
		{Key: "revoked", Project: 0},
		{Key: "valid", Project: 0},
	})
	gw := newTestGateway(t, cfg, server.URL)

	text, err := gw.Generate(context.Background(), Request{Prompt: "extract"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "ok" {
		t.Errorf("Expected success via valid credential, got %q", text)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	small := EstimateTokens(Request{Prompt: "short"})
	large := EstimateTokens(Request{Prompt: strings.Repeat("long prompt ", 100)})
	if small <= 0 {
		t.Errorf("Estimate must be positive, got %d", small)
	}
	if large <= small {
		t.Errorf("Estimate must grow with payload size: %d vs %d", small, large)
	}

	withImage := EstimateTokens(Request{Prompt: "short", Images: [][]byte{{1, 2, 3}}})
	if withImage <= small {
		t.Errorf("Image parts must add cost: %d vs %d", small, withImage)
	}
}

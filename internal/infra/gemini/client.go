// Package gemini implements the image analysis adapter on top of the Gemini
// generateContent REST endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/domain"
	"github.com/car-repair/estimator/internal/infra/metrics"
)

// Config configures the Gemini client.
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	Timeout      time.Duration // per-call deadline
	MaxImageEdge int           // pixels; 0 disables down-scaling
	JPEGQuality  int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Model:        "gemini-2.5-flash",
		BaseURL:      "https://generativelanguage.googleapis.com",
		Timeout:      120 * time.Second,
		MaxImageEdge: 1600,
		JPEGQuality:  85,
	}
}

var _ domain.Analyzer = (*Client)(nil)

// Client calls the vision model and classifies its failures.
type Client struct {
	cfg        Config
	httpClient *http.Client
	locales    *LocaleTable
	logger     *zap.Logger
}

// New returns a client for cfg. The API key is required.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, domain.ErrAnalyzerDisabled
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}

	locales, err := LoadLocales()
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		locales:    locales,
		logger:     logger.Named("gemini"),
	}, nil
}

// Timeout is the per-call deadline, used by the worker to size job leases.
func (c *Client) Timeout() time.Duration { return c.cfg.Timeout }

// ─── Wire Types ─────────────────────────────────────────────────────────────

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
	Temperature      float64 `json:"temperature"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ─── Analyze ────────────────────────────────────────────────────────────────

// Analyze sends the images with a locale-aware prompt and parses the reply.
// Every failure is returned as *domain.AdapterError.
func (c *Client) Analyze(ctx context.Context, images []domain.ImageInput, car domain.CarInfo) (*domain.AnalysisResult, error) {
	if len(images) == 0 {
		return nil, &domain.AdapterError{Retryable: false, Err: domain.ErrNoImages}
	}

	start := time.Now()
	result, err := c.analyze(ctx, images, car)
	label := "ok"
	if err != nil {
		label = "error"
	}
	metrics.AnalysisLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return result, err
}

func (c *Client) analyze(ctx context.Context, images []domain.ImageInput, car domain.CarInfo) (*domain.AnalysisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	loc := c.locales.Resolve(car.CountryCode, car.UserCurrency, car.UserLanguage)
	prompt := BuildPrompt(car, images, loc, c.locales.LanguageName(loc.Language))

	parts := []part{{Text: prompt}}
	for _, img := range images {
		data, mime, err := prepareImage(img.Path, c.cfg.MaxImageEdge, c.cfg.JPEGQuality)
		if err != nil {
			// A missing upload will not appear on retry; other read errors might.
			return nil, &domain.AdapterError{
				Retryable: !errors.Is(err, os.ErrNotExist),
				Err:       fmt.Errorf("read image %s: %w", img.Path, err),
			}
		}
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		}})
	}

	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Role: "user", Parts: parts}},
		GenerationConfig: generationConfig{ResponseMimeType: "application/json", Temperature: 0.2},
	})
	if err != nil {
		return nil, &domain.AdapterError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.AdapterError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	c.logger.Debug("analyze",
		zap.String("brand", car.Brand), zap.String("model", car.Model),
		zap.Int("images", len(images)), zap.String("currency", loc.Currency))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures and deadlines are always transient.
		return nil, &domain.AdapterError{Retryable: true, Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.AdapterError{StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.AdapterError{
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("%s", apiMessage(respBody)),
		}
	}

	var gr generateResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, &domain.AdapterError{Retryable: true, Err: fmt.Errorf("%w: %v", domain.ErrMalformedAnalysis, err)}
	}
	text := responseText(&gr)
	if text == "" {
		return nil, &domain.AdapterError{Retryable: true, Err: fmt.Errorf("%w: empty response", domain.ErrMalformedAnalysis)}
	}

	result, err := domain.ParseAnalysis([]byte(stripFences(text)))
	if err != nil {
		return nil, &domain.AdapterError{Retryable: true, Err: err}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, result.Raw); err == nil {
		result.Raw = compact.Bytes()
	}
	result.Model = c.cfg.Model
	return result, nil
}

func responseText(gr *generateResponse) string {
	if len(gr.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// retryableStatus reports whether an HTTP status is worth retrying:
// timeouts, rate limiting and server errors.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

func apiMessage(body []byte) string {
	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err == nil && gr.Error != nil && gr.Error.Message != "" {
		return gr.Error.Status + ": " + gr.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

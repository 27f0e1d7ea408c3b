package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/howard-research/surveybackend/internal/config"
	log "github.com/sirupsen/logrus"
)

const (
	bitlyShortenURL     = "https://api-ssl.bitly.com/v4/shorten"
	bitlyRequestTimeout = 10 * time.Second
)

// BitlyClient shortens URLs through the Bitly v4 API. Every failure path
// returns an empty string so callers fall back to the long URL.
type BitlyClient struct {
	accessToken string
	httpClient  *http.Client
	baseURL     string
}

// NewBitlyClient constructs a Bitly shortener client.
func NewBitlyClient(cfg config.BitlyConfig) *BitlyClient {
	return &BitlyClient{
		accessToken: cfg.AccessToken,
		httpClient:  &http.Client{Timeout: bitlyRequestTimeout},
		baseURL:     bitlyShortenURL,
	}
}

// Shorten returns the short URL, or "" when shortening is unavailable.
func (c *BitlyClient) Shorten(ctx context.Context, longURL string) string {
	if strings.TrimSpace(c.accessToken) == "" || strings.TrimSpace(longURL) == "" {
		return ""
	}

	payload, errMarshal := json.Marshal(map[string]string{"long_url": longURL})
	if errMarshal != nil {
		return ""
	}
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if errReq != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		log.WithError(errDo).Warnf("bitly: shorten failed for %s", longURL)
		return ""
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warnf("bitly: shorten rejected status=%d for %s", resp.StatusCode, longURL)
		return ""
	}

	var parsed struct {
		Link string `json:"link"`
	}
	if errDecode := json.NewDecoder(resp.Body).Decode(&parsed); errDecode != nil {
		return ""
	}
	return parsed.Link
}

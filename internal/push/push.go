// Package push re-injects pulled vendor payloads into the ingestion flow,
// either in-process or through the local webhook endpoint, so pulled and
// pushed data share one code path.
package push

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/thetahealth/ingest/internal/config"
	"github.com/thetahealth/ingest/internal/platform"
)

// Service forwards payloads per the configured push mode.
type Service struct {
	mode    config.PushMode
	baseURL string
	manager *platform.Manager
	http    *http.Client
}

// New builds the push service.
func New(cfg *config.Config, m *platform.Manager, httpClient *http.Client) *Service {
	return &Service{
		mode:    cfg.PushMode,
		baseURL: cfg.PushWebhookBaseURL,
		manager: m,
		http:    httpClient,
	}
}

// MsgID derives a stable message id from the payload content, so re-pulling
// an unchanged vendor record collapses to the stored row.
func MsgID(slug string, raw map[string]any) string {
	data, err := json.Marshal(raw)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", raw))
	}
	sum := sha256.Sum256(append([]byte(slug+"|"), data...))
	return "pull_" + hex.EncodeToString(sum[:16])
}

// Push routes one pulled payload into ingestion.
func (s *Service) Push(ctx context.Context, platformName, slug string, raw map[string]any) (platform.PostResult, error) {
	msgID := MsgID(slug, raw)
	if s.mode == config.PushModeDirect {
		return s.manager.PostData(ctx, platformName, slug, raw, msgID)
	}
	return s.pushHTTP(ctx, platformName, slug, raw, msgID)
}

func (s *Service) pushHTTP(ctx context.Context, platformName, slug string, raw map[string]any, msgID string) (platform.PostResult, error) {
	var res platform.PostResult
	body, err := json.Marshal(raw)
	if err != nil {
		return res, fmt.Errorf("payload serialization failed: %w", err)
	}
	endpoint := fmt.Sprintf("%s/%s/%s/webhook", s.baseURL, platformName, slug)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Msg-Id", msgID)

	resp, err := s.http.Do(req)
	if err != nil {
		return res, fmt.Errorf("webhook push failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, fmt.Errorf("webhook push returned status %d: %s", resp.StatusCode, respBody)
	}

	var envelope struct {
		Code int                 `json:"code"`
		Msg  string              `json:"msg"`
		Data platform.PostResult `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		log.Debug().Err(err).Msg("Webhook push response is not an envelope, assuming success")
		return res, nil
	}
	if envelope.Code != 0 {
		return res, fmt.Errorf("webhook push rejected: %s", envelope.Msg)
	}
	return envelope.Data, nil
}

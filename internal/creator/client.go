package creator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"inkwell/internal/models"
)

// Creator is the boundary to the external snapshot producer. The engine only
// decides when creation should be attempted; whether the attempt no-ops (no
// content change, editor not idle) is the producer's business.
type Creator interface {
	RequestSnapshot(ctx context.Context, database string, tier models.RetentionTier) error
}

// HTTPCreator asks the editor-side snapshot service to attempt a snapshot.
type HTTPCreator struct {
	httpClient    *http.Client
	baseURL       string
	idleThreshold time.Duration
}

// NewHTTPCreator builds a creator client against the given base URL.
func NewHTTPCreator(baseURL string, idleThreshold time.Duration) *HTTPCreator {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &HTTPCreator{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		baseURL:       baseURL,
		idleThreshold: idleThreshold,
	}
}

type snapshotRequest struct {
	Database             string `json:"database"`
	Tier                 string `json:"tier"`
	IdleThresholdSeconds int    `json:"idleThresholdSeconds"`
}

// RequestSnapshot POSTs a creation request for one tenant database at one
// tier. Any non-2xx answer is an error for this database only; the caller's
// fan-out isolation contains it.
func (c *HTTPCreator) RequestSnapshot(ctx context.Context, database string, tier models.RetentionTier) error {
	payload, err := json.Marshal(snapshotRequest{
		Database:             database,
		Tier:                 tier.String(),
		IdleThresholdSeconds: int(c.idleThreshold.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("encode snapshot request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/snapshots", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create snapshot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request snapshot for %s: %w", database, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("creator rejected snapshot for %s at tier %s: status %d", database, tier, resp.StatusCode)
	}
	return nil
}

// NopCreator stands in when no creator endpoint is configured; the engine
// still runs its retention and statistics duties.
type NopCreator struct{}

// RequestSnapshot logs the would-be request and succeeds.
func (NopCreator) RequestSnapshot(_ context.Context, database string, tier models.RetentionTier) error {
	log.Printf("[CREATOR] No creator endpoint configured, skipping %s snapshot for %s", tier, database)
	return nil
}

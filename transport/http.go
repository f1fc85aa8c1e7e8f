package transport

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
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mmdatafocus/dte_backend/models"
	"github.com/sirupsen/logrus"
)

// HTTPClient talks to the authority's submission API. The send path uses a
// plain bounded-timeout client (retries belong to the queue); the status path
// is an idempotent GET and goes through a retrying client.
type HTTPClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	statusCli *retryablehttp.Client
	limiter   <-chan time.Time
	logger    *logrus.Logger
}

func NewHTTPClient(logger *logrus.Logger) (*HTTPClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("AUTHORITY_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("AUTHORITY_API_BASE_URL is empty")
	}
	apiKey := strings.TrimSpace(os.Getenv("AUTHORITY_API_KEY"))
	apiKeyHeader := strings.TrimSpace(os.Getenv("AUTHORITY_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}

	timeout := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("AUTHORITY_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	rateLimitPerMin := int64(30)
	if v := strings.TrimSpace(os.Getenv("AUTHORITY_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	statusCli := retryablehttp.NewClient()
	statusCli.RetryMax = 3
	statusCli.HTTPClient.Timeout = timeout
	statusCli.Logger = nil

	return &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: timeout},
		statusCli: statusCli,
		limiter:   time.Tick(interval),
		logger:    logger,
	}, nil
}

type sendRequest struct {
	Kind         models.JobKind      `json:"kind"`
	DocumentType models.DocumentType `json:"document_type"`
	Folio        int64               `json:"folio"`
	Environment  models.Environment  `json:"environment"`
	FileRef      string              `json:"file_ref"`
	Reference    string              `json:"reference"`
	Credential   string              `json:"credential,omitempty"`
}

type sendResponse struct {
	TrackId string `json:"track_id"`
}

func (c *HTTPClient) Send(ctx context.Context, kind models.JobKind, payload models.DeliveryPayload, credential []byte) (models.TrackID, error) {
	select {
	case <-ctx.Done():
		return models.TrackID{}, &TransportError{Op: "send", Err: ctx.Err()}
	case <-c.limiter:
	}

	body := sendRequest{
		Kind:         kind,
		DocumentType: payload.DocumentType,
		Folio:        payload.Folio,
		Environment:  payload.Environment,
		FileRef:      payload.FileRef,
		Reference:    payload.Reference,
	}
	if len(credential) > 0 {
		body.Credential = base64.StdEncoding.EncodeToString(credential)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return models.TrackID{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submissions", bytes.NewReader(raw))
	if err != nil {
		return models.TrackID{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.TrackID{}, &TransportError{Op: "send", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed sendResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return models.TrackID{}, &TransportError{Op: "send", Err: fmt.Errorf("unparseable response: %w", err)}
		}
		if parsed.TrackId == "" {
			return models.TrackID{}, &TransportError{Op: "send", Err: errors.New("accepted response without track id")}
		}
		return models.TrackID{Value: parsed.TrackId, Kind: models.TrackKindLive}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return models.TrackID{}, &RejectionError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	default:
		return models.TrackID{}, &TransportError{Op: "send", Err: fmt.Errorf("authority returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))}
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

func (c *HTTPClient) QueryStatus(ctx context.Context, trackId string) (DeliveryStatus, error) {
	select {
	case <-ctx.Done():
		return StatusUnknown, &TransportError{Op: "status", Err: ctx.Err()}
	case <-c.limiter:
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/submissions/"+trackId, nil)
	if err != nil {
		return StatusUnknown, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}

	resp, err := c.statusCli.Do(req)
	if err != nil {
		return StatusUnknown, &TransportError{Op: "status", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed statusResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return StatusUnknown, &TransportError{Op: "status", Err: err}
		}
		switch strings.ToLower(parsed.Status) {
		case "accepted", "ok":
			return StatusAccepted, nil
		case "rejected":
			return StatusRejected, nil
		case "processing", "pending":
			return StatusProcessing, nil
		default:
			return StatusUnknown, nil
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return StatusUnknown, &RejectionError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	default:
		return StatusUnknown, &TransportError{Op: "status", Err: fmt.Errorf("authority returned %d", resp.StatusCode)}
	}
}

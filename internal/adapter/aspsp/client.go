package aspsp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/tpp-broker/internal/domain"
)

const applicationJSON = "application/json; charset=utf-8"

// Headers are the FAPI request headers sent to an institution.
type Headers struct {
	AccessToken           string
	FapiFinancialID       string
	InteractionID         string
	SessionID             string
	AuthorisationServerID string
	IdempotencyKey        string
	CustomerLastLogged    string
	CustomerIP            string
	JWSSignature          string
}

func (h Headers) apply(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+h.AccessToken)
	req.Header.Set("Content-Type", applicationJSON)
	req.Header.Set("Accept", applicationJSON)
	req.Header.Set("x-fapi-interaction-id", h.InteractionID)
	req.Header.Set("x-fapi-financial-id", h.FapiFinancialID)
	setOptional(req, "x-idempotency-key", h.IdempotencyKey)
	setOptional(req, "x-fapi-customer-last-logged-time", h.CustomerLastLogged)
	setOptional(req, "x-fapi-customer-ip-address", h.CustomerIP)
	setOptional(req, "x-jws-signature", h.JWSSignature)
}

func setOptional(req *http.Request, name, value string) {
	if value != "" {
		req.Header.Set(name, value)
	}
}

func (h Headers) require(names ...string) error {
	for _, name := range names {
		var value string
		switch name {
		case "accessToken":
			value = h.AccessToken
		case "fapiFinancialId":
			value = h.FapiFinancialID
		case "interactionId":
			value = h.InteractionID
		case "sessionId":
			value = h.SessionID
		case "idempotencyKey":
			value = h.IdempotencyKey
		}
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s missing from headers", name)
		}
	}
	return nil
}

// Response is a captured institution response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client talks to institution resource APIs.
type Client struct {
	httpClient      *http.Client
	apiVersion      string
	logResponses    bool
	maxResponseBody int64
	logger          *zap.Logger
}

// DefaultMaxResponseBody caps institution response bodies. Larger bodies
// fail rather than being forwarded truncated.
const DefaultMaxResponseBody = 8 << 20

// NewClient constructs a Client. apiVersion is the Open Banking version path
// segment, e.g. "v1.1".
func NewClient(httpClient *http.Client, apiVersion string, logResponses bool, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if apiVersion == "" {
		apiVersion = "v1.1"
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Client{
		httpClient:      httpClient,
		apiVersion:      apiVersion,
		logResponses:    logResponses,
		maxResponseBody: DefaultMaxResponseBody,
		logger:          logger.Named("aspsp"),
	}
}

// ResourceURL joins a resource API base with a versioned open-banking path.
func (c *Client) ResourceURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/open-banking/" + c.apiVersion + "/" + strings.TrimLeft(path, "/")
}

// Do sends one request and captures the response regardless of status.
// Only transport failures are returned as errors.
func (c *Client) Do(ctx context.Context, method, url string, h Headers, body []byte) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	h.apply(req)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("institution request failed",
			zap.String("method", method),
			zap.String("url", url),
			zap.String("interaction_id", h.InteractionID),
			zap.Error(err),
		)
		return nil, domain.UpstreamRejected(http.StatusInternalServerError, fmt.Sprintf("%s %s failed", method, url), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBody+1))
	if err != nil {
		return nil, domain.UpstreamRejected(http.StatusInternalServerError, "read institution response", err)
	}
	if int64(len(raw)) > c.maxResponseBody {
		c.logger.Warn("institution response too large",
			zap.String("method", method),
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.Int64("limit", c.maxResponseBody),
		)
		return nil, domain.UpstreamRejected(http.StatusBadGateway, fmt.Sprintf("institution response exceeds %d bytes", c.maxResponseBody), nil)
	}
	out := &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: raw}
	c.logExchange(method, url, h, out, time.Since(started))
	return out, nil
}

func (c *Client) logExchange(method, url string, h Headers, resp *Response, elapsed time.Duration) {
	if !c.logResponses {
		c.logger.Debug("institution response",
			zap.String("method", method),
			zap.String("url", url),
			zap.Int("status", resp.Status),
		)
		return
	}
	c.logger.Info("institution response",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.Status),
		zap.Duration("latency", elapsed),
		zap.String("interaction_id", h.InteractionID),
		zap.String("session_id", h.SessionID),
		zap.String("authorisation_server_id", h.AuthorisationServerID),
		zap.ByteString("body", resp.Body),
	)
}

// expect turns a non-2xx response into an UpstreamRejected error.
func expect(resp *Response, method, url string) error {
	if resp.Status >= 300 {
		msg := strings.TrimSpace(string(resp.Body))
		if msg == "" {
			msg = http.StatusText(resp.Status)
		}
		return domain.UpstreamRejected(resp.Status, fmt.Sprintf("%s %s: %s", method, url, msg), nil)
	}
	return nil
}

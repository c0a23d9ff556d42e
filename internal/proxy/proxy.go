package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/tpp-broker/internal/adapter/aspsp"
	"github.com/smallbiznis/tpp-broker/internal/audit"
	"github.com/smallbiznis/tpp-broker/internal/domain"
	"github.com/smallbiznis/tpp-broker/internal/validator"
)

var versionSegment = regexp.MustCompile(`^v[0-9]+(\.[0-9]+)*$`)

// Servers resolves institution resource API details.
type Servers interface {
	ResourceAPIBase(ctx context.Context, id string) (string, error)
	FapiFinancialID(ctx context.Context, id string) (string, error)
}

// Consents looks up the grant for a resource call.
type Consents interface {
	ConsentAccessTokenAndPermissions(ctx context.Context, key domain.ConsentKey) (domain.AccessTokenAndPermissions, error)
}

// Doer sends institution requests.
type Doer interface {
	Do(ctx context.Context, method, url string, h aspsp.Headers, body []byte) (*aspsp.Response, error)
}

// Auditor receives validation results.
type Auditor interface {
	Emit(rec audit.Record) bool
}

// Request is an inbound resource call.
type Request struct {
	Method                string
	Path                  string
	RawQuery              string
	Body                  []byte
	AuthorisationServerID string
	SessionID             string
	Username              string
	InteractionID         string
	IdempotencyKey        string
	CustomerLastLogged    string
	CustomerIP            string
}

// Result is the institution response returned to the caller.
type Result struct {
	Status           int
	ContentType      string
	Body             []byte
	InteractionID    string
	Scope            string
	FailedValidation *bool
}

// Options tune the proxy.
type Options struct {
	APIVersion        string
	ValidateResponses bool
}

// Proxy forwards resource calls with the user's consent token attached.
type Proxy struct {
	servers   Servers
	consents  Consents
	doer      Doer
	validator *validator.Validator
	auditor   Auditor
	opts      Options
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New constructs a Proxy. validator and auditor may be nil.
func New(servers Servers, consents Consents, doer Doer, v *validator.Validator, auditor Auditor, opts Options, logger *zap.Logger) *Proxy {
	if opts.APIVersion == "" {
		opts.APIVersion = "v1.1"
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Proxy{
		servers:   servers,
		consents:  consents,
		doer:      doer,
		validator: v,
		auditor:   auditor,
		opts:      opts,
		logger:    logger.Named("proxy"),
		tracer:    otel.Tracer("github.com/smallbiznis/tpp-broker/internal/proxy"),
	}
}

// ResourcePath returns the versioned path below /open-banking and the scope
// it addresses. "/accounts/1" and "/v1.1/accounts/1" both yield scope "accounts".
func ResourcePath(path, defaultVersion string) (string, string) {
	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(segments) > 0 && segments[0] == "open-banking" {
		segments = segments[1:]
	}
	if len(segments) == 0 || !versionSegment.MatchString(segments[0]) {
		segments = append([]string{defaultVersion}, segments...)
	}
	scope := ""
	if len(segments) > 1 {
		scope = segments[1]
	}
	return "/" + strings.Join(segments, "/"), scope
}

// Forward issues req against the institution and returns its response.
func (p *Proxy) Forward(ctx context.Context, req Request) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "Proxy.Forward")
	defer span.End()

	if strings.TrimSpace(req.AuthorisationServerID) == "" {
		return nil, domain.ValidationInput("x-authorization-server-id header missing")
	}
	if req.InteractionID == "" {
		req.InteractionID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("authorisation_server_id", req.AuthorisationServerID),
		attribute.String("interaction_id", req.InteractionID),
	)

	financialID, err := p.servers.FapiFinancialID(ctx, req.AuthorisationServerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	base, err := p.servers.ResourceAPIBase(ctx, req.AuthorisationServerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	path, scope := ResourcePath(req.Path, p.opts.APIVersion)
	target := strings.TrimRight(base, "/") + "/open-banking" + path
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	grant := p.grant(ctx, domain.ConsentKey{Username: req.Username, AuthorisationServerID: req.AuthorisationServerID, Scope: scope})
	headers := aspsp.Headers{
		AccessToken:           grant.AccessToken,
		FapiFinancialID:       financialID,
		InteractionID:         req.InteractionID,
		SessionID:             req.SessionID,
		AuthorisationServerID: req.AuthorisationServerID,
		CustomerLastLogged:    req.CustomerLastLogged,
		CustomerIP:            req.CustomerIP,
	}
	method := strings.ToUpper(req.Method)
	if isWrite(method) {
		headers.IdempotencyKey = req.IdempotencyKey
		if headers.IdempotencyKey == "" {
			headers.IdempotencyKey = uuid.NewString()
		}
	}

	resp, err := p.doer.Do(ctx, method, target, headers, req.Body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	result := &Result{
		Status:        resp.Status,
		ContentType:   resp.Header.Get("Content-Type"),
		Body:          resp.Body,
		InteractionID: req.InteractionID,
		Scope:         scope,
	}
	if p.opts.ValidateResponses {
		p.validate(req, method, target, grant.Permissions, result)
	}
	return result, nil
}

// grant returns the consent token, or an empty one. Calls without a grant
// still go out so the institution can reject them.
func (p *Proxy) grant(ctx context.Context, key domain.ConsentKey) domain.AccessTokenAndPermissions {
	if p.consents == nil {
		return domain.AccessTokenAndPermissions{}
	}
	grant, err := p.consents.ConsentAccessTokenAndPermissions(ctx, key)
	if err != nil {
		p.logger.Debug("no consent token for resource call", zap.String("consent", key.String()), zap.Error(err))
		return domain.AccessTokenAndPermissions{}
	}
	return grant
}

func (p *Proxy) validate(req Request, method, target string, permissions []string, result *Result) {
	report := p.validator.Validate(result.Scope, result.Status, result.Body)
	failed := report.FailedValidation
	result.FailedValidation = &failed

	if len(result.Body) == 0 {
		result.Status = http.StatusBadRequest
		result.ContentType = "application/json; charset=utf-8"
		result.Body, _ = json.Marshal(map[string]any{"failedValidation": true, "message": report.Message})
	} else {
		result.Body = annotate(result.Body, failed)
	}

	if p.auditor == nil {
		return
	}
	p.auditor.Emit(audit.Record{
		InteractionID:         req.InteractionID,
		SessionID:             req.SessionID,
		AuthorisationServerID: req.AuthorisationServerID,
		Scope:                 result.Scope,
		Permissions:           permissions,
		Request:               audit.Exchange{Method: method, URL: target, Body: string(req.Body)},
		Response:              audit.Exchange{Status: result.Status, Body: string(result.Body)},
		Report:                report,
	})
}

// annotate adds failedValidation to a JSON object body. Other bodies are returned unchanged.
func annotate(body []byte, failed bool) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return body
	}
	obj["failedValidation"] = json.RawMessage(boolJSON(failed))
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

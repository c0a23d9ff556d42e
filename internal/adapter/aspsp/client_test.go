package aspsp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/tpp-broker/internal/domain"
)

type institution struct {
	t        *testing.T
	status   int
	response string
	lastReq  *http.Request
	lastBody map[string]any
}

func (i *institution) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.lastReq = r.Clone(context.Background())
	raw, _ := io.ReadAll(r.Body)
	i.lastBody = nil
	if len(raw) > 0 {
		require.NoError(i.t, json.Unmarshal(raw, &i.lastBody))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(i.status)
	_, _ = w.Write([]byte(i.response))
}

func newInstitution(t *testing.T, status int, response string) (*institution, *httptest.Server, *Client) {
	t.Helper()
	inst := &institution{t: t, status: status, response: response}
	srv := httptest.NewServer(inst)
	t.Cleanup(srv.Close)
	return inst, srv, NewClient(srv.Client(), "v1.1", true, zap.NewNop())
}

func headers() Headers {
	return Headers{
		AccessToken:     "cc-token",
		FapiFinancialID: "org-1",
		InteractionID:   "ia-1",
		SessionID:       "sid-1",
	}
}

func TestCreateAccountRequest(t *testing.T) {
	inst, srv, client := newInstitution(t, http.StatusCreated,
		`{"Data":{"AccountRequestId":"AR1","Status":"AwaitingAuthorisation","Permissions":["ReadAccountsBasic"]},"Risk":{}}`)

	id, err := client.CreateAccountRequest(context.Background(), srv.URL, headers(), []string{"ReadAccountsBasic"})
	require.NoError(t, err)
	require.Equal(t, "AR1", id)

	require.Equal(t, http.MethodPost, inst.lastReq.Method)
	require.Equal(t, "/open-banking/v1.1/account-requests", inst.lastReq.URL.Path)
	require.Equal(t, "Bearer cc-token", inst.lastReq.Header.Get("Authorization"))
	require.Equal(t, "org-1", inst.lastReq.Header.Get("x-fapi-financial-id"))
	require.Equal(t, "ia-1", inst.lastReq.Header.Get("x-fapi-interaction-id"))
	require.Equal(t, applicationJSON, inst.lastReq.Header.Get("Content-Type"))
	require.Empty(t, inst.lastReq.Header.Get("x-idempotency-key"))
	require.Equal(t, []any{"ReadAccountsBasic"}, inst.lastBody["Data"].(map[string]any)["Permissions"])
}

func TestCreateAccountRequestRejectsStatus(t *testing.T) {
	_, srv, client := newInstitution(t, http.StatusCreated, `{"Data":{"AccountRequestId":"AR1","Status":"Rejected"}}`)

	_, err := client.CreateAccountRequest(context.Background(), srv.URL, headers(), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusInternalServerError, domain.StatusOf(err))
	require.Contains(t, err.Error(), `Account request response status: "Rejected"`)
}

func TestCreateAccountRequestMissingPayload(t *testing.T) {
	_, srv, client := newInstitution(t, http.StatusCreated, `{}`)

	_, err := client.CreateAccountRequest(context.Background(), srv.URL, headers(), nil)
	require.ErrorContains(t, err, "Account request response missing payload")
}

func TestCreateAccountRequestKeepsUpstreamStatus(t *testing.T) {
	_, srv, client := newInstitution(t, http.StatusForbidden, `{"message":"nope"}`)

	_, err := client.CreateAccountRequest(context.Background(), srv.URL, headers(), nil)
	require.ErrorIs(t, err, domain.ErrUpstreamRejected)
	require.Equal(t, http.StatusForbidden, domain.StatusOf(err))
}

func TestCreateAccountRequestRequiresHeaders(t *testing.T) {
	_, srv, client := newInstitution(t, http.StatusCreated, `{}`)
	h := headers()
	h.FapiFinancialID = ""

	_, err := client.CreateAccountRequest(context.Background(), srv.URL, h, nil)
	require.ErrorContains(t, err, "fapiFinancialId missing from headers")
}

func TestDeleteAccountRequest(t *testing.T) {
	inst, srv, client := newInstitution(t, http.StatusNoContent, ``)

	require.NoError(t, client.DeleteAccountRequest(context.Background(), srv.URL, headers(), "AR1"))
	require.Equal(t, http.MethodDelete, inst.lastReq.Method)
	require.Equal(t, "/open-banking/v1.1/account-requests/AR1", inst.lastReq.URL.Path)

	inst.status = http.StatusOK
	err := client.DeleteAccountRequest(context.Background(), srv.URL, headers(), "AR1")
	require.ErrorIs(t, err, domain.ErrValidationInput)
}

func TestCreateAndSubmitPayment(t *testing.T) {
	inst, srv, client := newInstitution(t, http.StatusCreated, `{"Data":{"PaymentId":"P1","Status":"AcceptedTechnicalValidation"}}`)
	h := headers()
	h.IdempotencyKey = "idem-1"

	initiation := PaymentInitiation{
		InstructedAmount: map[string]string{"Amount": "10.00", "Currency": "GBP"},
		CreditorAccount:  map[string]any{"SchemeName": "SortCodeAccountNumber", "Identification": "01122313235478"},
	}
	id, err := client.CreatePayment(context.Background(), srv.URL, h, initiation)
	require.NoError(t, err)
	require.Equal(t, "P1", id)
	require.Equal(t, "/open-banking/v1.1/payments", inst.lastReq.URL.Path)
	require.Equal(t, "idem-1", inst.lastReq.Header.Get("x-idempotency-key"))

	inst.response = `{"Data":{"PaymentSubmissionId":"PS1","PaymentId":"P1","Status":"AcceptedSettlementInProcess"}}`
	submissionID, err := client.SubmitPayment(context.Background(), srv.URL, h, domain.Payment{
		PaymentID:        "P1",
		InstructedAmount: initiation.InstructedAmount,
		CreditorAccount:  initiation.CreditorAccount,
	})
	require.NoError(t, err)
	require.Equal(t, "PS1", submissionID)
	require.Equal(t, "/open-banking/v1.1/payment-submissions", inst.lastReq.URL.Path)
	require.Equal(t, "P1", inst.lastBody["Data"].(map[string]any)["PaymentId"])

	inst.response = `{"Data":{"PaymentSubmissionId":"PS2","Status":"Rejected"}}`
	_, err = client.SubmitPayment(context.Background(), srv.URL, h, domain.Payment{PaymentID: "P1"})
	require.ErrorContains(t, err, "Payment failed")
}

func TestCreatePaymentNeedsIdempotencyKey(t *testing.T) {
	_, srv, client := newInstitution(t, http.StatusCreated, `{}`)

	_, err := client.CreatePayment(context.Background(), srv.URL, headers(), PaymentInitiation{})
	require.ErrorContains(t, err, "idempotencyKey missing from headers")
}

func TestDoPassesThroughNon2xx(t *testing.T) {
	_, srv, client := newInstitution(t, http.StatusUnauthorized, `{"message":"bad token"}`)

	resp, err := client.Do(context.Background(), http.MethodGet, client.ResourceURL(srv.URL, "/accounts"), headers(), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.Status)
	require.JSONEq(t, `{"message":"bad token"}`, string(resp.Body))
}

func TestDoFailsOnOversizedResponse(t *testing.T) {
	_, srv, client := newInstitution(t, http.StatusOK, `{"Data":{"Transaction":["`+strings.Repeat("x", 2048)+`"]}}`)
	client.maxResponseBody = 1024

	_, err := client.Do(context.Background(), http.MethodGet, client.ResourceURL(srv.URL, "/transactions"), headers(), nil)
	require.ErrorIs(t, err, domain.ErrUpstreamRejected)
	require.Equal(t, http.StatusBadGateway, domain.StatusOf(err))

	client.maxResponseBody = 4096
	resp, err := client.Do(context.Background(), http.MethodGet, client.ResourceURL(srv.URL, "/transactions"), headers(), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
}

type fakeTokens struct{ scopes []string }

func (f *fakeTokens) ClientCredentialsToken(_ context.Context, _, scope string) (string, error) {
	f.scopes = append(f.scopes, scope)
	return "cc-token", nil
}

type fakeServers struct{ base string }

func (f fakeServers) ResourceAPIBase(context.Context, string) (string, error) { return f.base, nil }
func (f fakeServers) FapiFinancialID(context.Context, string) (string, error) { return "org-1", nil }

func TestStatusChecker(t *testing.T) {
	inst, srv, client := newInstitution(t, http.StatusOK, `{"Data":{"AccountRequestId":"AR1","Status":"Authorised"}}`)
	tokens := &fakeTokens{}
	checker := NewStatusChecker(client, tokens, fakeServers{base: srv.URL})

	status, err := checker.AccountRequestStatus(context.Background(), "A", "AR1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusAuthorised, status)
	require.Equal(t, []string{domain.ScopeAccounts}, tokens.scopes)
	require.Equal(t, "/open-banking/v1.1/account-requests/AR1", inst.lastReq.URL.Path)
	require.NotEmpty(t, inst.lastReq.Header.Get("x-fapi-interaction-id"))
}

func TestNewHTTPClientRejectsBadCertificate(t *testing.T) {
	_, err := NewHTTPClient(TransportConfig{MTLSEnabled: true, CertPEM: []byte("x"), KeyPEM: []byte("y")})
	require.Error(t, err)

	client, err := NewHTTPClient(TransportConfig{})
	require.NoError(t, err)
	require.NotNil(t, client.Transport)
}

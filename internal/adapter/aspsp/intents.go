package aspsp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/smallbiznis/tpp-broker/internal/domain"
)

// AccountRequestData is the Data member of an account-request resource.
type AccountRequestData struct {
	AccountRequestID   string   `json:"AccountRequestId,omitempty"`
	Status             string   `json:"Status,omitempty"`
	Permissions        []string `json:"Permissions"`
	CreationDateTime   string   `json:"CreationDateTime,omitempty"`
	ExpirationDateTime string   `json:"ExpirationDateTime,omitempty"`
}

type accountRequestBody struct {
	Data *AccountRequestData `json:"Data"`
	Risk map[string]any      `json:"Risk"`
}

// PaymentInitiation describes the payment a user is asked to authorise.
type PaymentInitiation struct {
	InstructionIdentification string            `json:"InstructionIdentification,omitempty"`
	EndToEndIdentification    string            `json:"EndToEndIdentification,omitempty"`
	InstructedAmount          map[string]string `json:"InstructedAmount"`
	CreditorAccount           map[string]any    `json:"CreditorAccount"`
}

// PaymentData is the Data member of payment and payment-submission resources.
type PaymentData struct {
	PaymentID           string             `json:"PaymentId,omitempty"`
	PaymentSubmissionID string             `json:"PaymentSubmissionId,omitempty"`
	Status              string             `json:"Status,omitempty"`
	Initiation          *PaymentInitiation `json:"Initiation,omitempty"`
}

type paymentBody struct {
	Data *PaymentData   `json:"Data"`
	Risk map[string]any `json:"Risk"`
}

// CreateAccountRequest registers an account-access intent and returns its id.
func (c *Client) CreateAccountRequest(ctx context.Context, base string, h Headers, permissions []string) (string, error) {
	if err := h.require("accessToken", "fapiFinancialId", "interactionId"); err != nil {
		return "", err
	}
	payload, err := json.Marshal(accountRequestBody{
		Data: &AccountRequestData{Permissions: permissions},
		Risk: map[string]any{},
	})
	if err != nil {
		return "", fmt.Errorf("marshal account request: %w", err)
	}

	target := c.ResourceURL(base, "account-requests")
	resp, err := c.Do(ctx, http.MethodPost, target, h, payload)
	if err != nil {
		return "", err
	}
	if err := expect(resp, http.MethodPost, target); err != nil {
		return "", err
	}

	var out accountRequestBody
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.Data == nil {
		return "", domain.UpstreamRejected(http.StatusInternalServerError, "Account request response missing payload", err)
	}
	switch out.Data.Status {
	case domain.StatusAwaitingAuthorisation, domain.StatusAuthorised:
	default:
		return "", domain.UpstreamRejected(http.StatusInternalServerError, fmt.Sprintf("Account request response status: %q", out.Data.Status), nil)
	}
	if out.Data.AccountRequestID == "" {
		return "", domain.UpstreamRejected(http.StatusInternalServerError, "Account request response missing payload", nil)
	}
	return out.Data.AccountRequestID, nil
}

// GetAccountRequest reads an account-access intent.
func (c *Client) GetAccountRequest(ctx context.Context, base string, h Headers, accountRequestID string) (*AccountRequestData, error) {
	if err := h.require("accessToken", "fapiFinancialId", "interactionId"); err != nil {
		return nil, err
	}
	target := c.ResourceURL(base, "account-requests/"+url.PathEscape(accountRequestID))
	resp, err := c.Do(ctx, http.MethodGet, target, h, nil)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, http.MethodGet, target); err != nil {
		return nil, err
	}

	var out accountRequestBody
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode account request: %w", err)
	}
	if out.Data == nil {
		return nil, domain.UpstreamRejected(http.StatusInternalServerError, "Account request response missing payload", nil)
	}
	return out.Data, nil
}

// DeleteAccountRequest revokes an account-access intent. Only 204 counts as success.
func (c *Client) DeleteAccountRequest(ctx context.Context, base string, h Headers, accountRequestID string) error {
	if err := h.require("accessToken", "fapiFinancialId", "interactionId"); err != nil {
		return err
	}
	target := c.ResourceURL(base, "account-requests/"+url.PathEscape(accountRequestID))
	resp, err := c.Do(ctx, http.MethodDelete, target, h, nil)
	if err != nil {
		return err
	}
	if err := expect(resp, http.MethodDelete, target); err != nil {
		return err
	}
	if resp.Status != http.StatusNoContent {
		return domain.ValidationInput("Bad Request")
	}
	return nil
}

// CreatePayment registers a payment intent and returns its id.
func (c *Client) CreatePayment(ctx context.Context, base string, h Headers, initiation PaymentInitiation) (string, error) {
	if err := h.require("accessToken", "fapiFinancialId", "interactionId", "idempotencyKey"); err != nil {
		return "", err
	}
	out, err := c.postPayment(ctx, c.ResourceURL(base, "payments"), h, &PaymentData{Initiation: &initiation})
	if err != nil {
		return "", err
	}
	if out.Status == "" {
		return "", domain.UpstreamRejected(http.StatusInternalServerError, fmt.Sprintf("Payment response status: %q", out.Status), nil)
	}
	if out.PaymentID == "" {
		return "", domain.UpstreamRejected(http.StatusInternalServerError, "Payment response missing payload", nil)
	}
	return out.PaymentID, nil
}

// SubmitPayment submits an authorised payment and returns the submission id.
func (c *Client) SubmitPayment(ctx context.Context, base string, h Headers, payment domain.Payment) (string, error) {
	if err := h.require("accessToken", "fapiFinancialId", "interactionId", "idempotencyKey"); err != nil {
		return "", err
	}
	data := &PaymentData{
		PaymentID: payment.PaymentID,
		Initiation: &PaymentInitiation{
			InstructedAmount: payment.InstructedAmount,
			CreditorAccount:  payment.CreditorAccount,
		},
	}
	out, err := c.postPayment(ctx, c.ResourceURL(base, "payment-submissions"), h, data)
	if err != nil {
		return "", err
	}
	if out.Status == "Rejected" {
		return "", domain.UpstreamRejected(http.StatusInternalServerError, "Payment failed", nil)
	}
	return out.PaymentSubmissionID, nil
}

func (c *Client) postPayment(ctx context.Context, target string, h Headers, data *PaymentData) (*PaymentData, error) {
	payload, err := json.Marshal(paymentBody{Data: data, Risk: map[string]any{}})
	if err != nil {
		return nil, fmt.Errorf("marshal payment: %w", err)
	}
	resp, err := c.Do(ctx, http.MethodPost, target, h, payload)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, http.MethodPost, target); err != nil {
		return nil, err
	}

	var out paymentBody
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.Data == nil {
		return nil, domain.UpstreamRejected(http.StatusInternalServerError, "Payment response missing payload", err)
	}
	return out.Data, nil
}

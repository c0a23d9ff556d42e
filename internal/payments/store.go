package payments

import (
	"context"
	"strings"

	"github.com/smallbiznis/tpp-broker/internal/domain"
	"github.com/smallbiznis/tpp-broker/internal/repository"
)

// Store keeps payment intents by interaction id between setup and submission.
type Store struct {
	kv repository.KVStore
}

// NewStore constructs a Store.
func NewStore(kv repository.KVStore) *Store {
	return &Store{kv: kv}
}

// Persist records the payment created for interactionID.
func (s *Store) Persist(ctx context.Context, interactionID string, payment domain.Payment) error {
	if strings.TrimSpace(interactionID) == "" {
		return domain.ValidationInput("interactionId missing")
	}
	if strings.TrimSpace(payment.PaymentID) == "" {
		return domain.ValidationInput("paymentId missing")
	}
	return repository.SetJSON(ctx, s.kv, repository.CollectionPayments, interactionID, payment)
}

// Retrieve returns the payment for interactionID, or nil when none was set up.
func (s *Store) Retrieve(ctx context.Context, interactionID string) (*domain.Payment, error) {
	if strings.TrimSpace(interactionID) == "" {
		return nil, domain.ValidationInput("interactionId missing")
	}
	return repository.GetJSON[domain.Payment](ctx, s.kv, repository.CollectionPayments, interactionID)
}

// Remove deletes the payment once it has been submitted.
func (s *Store) Remove(ctx context.Context, interactionID string) error {
	return s.kv.Remove(ctx, repository.CollectionPayments, interactionID)
}

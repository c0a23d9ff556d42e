package payments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/tpp-broker/internal/domain"
	"github.com/smallbiznis/tpp-broker/internal/repository"
)

func TestPersistAndRetrieve(t *testing.T) {
	ctx := context.Background()
	store := NewStore(repository.NewMemoryStore())

	payment := domain.Payment{
		PaymentID:             "P1",
		AuthorisationServerID: "A",
		InstructedAmount:      map[string]string{"Amount": "10.00", "Currency": "GBP"},
		CreditorAccount:       map[string]any{"Name": "Bob"},
	}
	require.NoError(t, store.Persist(ctx, "ia-1", payment))

	got, err := store.Retrieve(ctx, "ia-1")
	require.NoError(t, err)
	require.Equal(t, payment, *got)

	require.NoError(t, store.Remove(ctx, "ia-1"))
	got, err = store.Retrieve(ctx, "ia-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPersistRequiresIDs(t *testing.T) {
	store := NewStore(repository.NewMemoryStore())

	err := store.Persist(context.Background(), "", domain.Payment{PaymentID: "P1"})
	require.ErrorIs(t, err, domain.ErrValidationInput)

	err = store.Persist(context.Background(), "ia-1", domain.Payment{})
	require.ErrorIs(t, err, domain.ErrValidationInput)
}

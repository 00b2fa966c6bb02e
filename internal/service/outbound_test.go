package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/outbound"
	"brokerdesk/backend/internal/storage/memory"
)

type fixedMode string

func (m fixedMode) Mode() string { return string(m) }

func newOutboundFixture(t *testing.T, mode string) (*OutboundService, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.SaveContact(ctx, &domain.Contact{
		ID: "c-1", OwnerID: "owner", FirstName: "Juan", LastName: "Perez", Phone: "+54 9 11 1234-5678",
	}))
	require.NoError(t, store.SaveContact(ctx, &domain.Contact{
		ID: "c-bad", OwnerID: "owner", FirstName: "Sin", Phone: "123",
	}))
	require.NoError(t, store.SaveAttachment(ctx, &domain.DownloadedAttachment{
		ID: "att-1", JobID: "job-1", OwnerID: "owner", FileName: "poliza.pdf",
	}))
	return NewOutboundService(store, fixedMode(mode), nil), store
}

func TestOutboundService_EnqueueManual(t *testing.T) {
	svc, store := newOutboundFixture(t, outbound.ModeManual)
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, EnqueueInput{
		OwnerID:   "owner",
		ContactID: "c-1",
		Template:  "Hola {first_name}, poliza {policy_number}",
		Policy:    &domain.PolicyInfo{PolicyNumber: "AU-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hola Juan, poliza AU-1", res.Message.Body)
	assert.Equal(t, "https://wa.me/5491112345678?text=Hola%20Juan%2C%20poliza%20AU-1", res.ManualLink)

	stored, err := svc.Get(ctx, "owner", res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboundStatusPending, stored.Status)
	assert.Equal(t, res.ManualLink, stored.ManualLink)

	due, err := store.ListDueOutbound(ctx, stored.CreatedAt, 3, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	_, err = svc.Get(ctx, "someone", res.Message.ID)
	assert.ErrorIs(t, err, ErrOutboundNotFound)
}

func TestOutboundService_EnqueueAPIWithDocument(t *testing.T) {
	svc, _ := newOutboundFixture(t, outbound.ModeAPI)
	attID := "att-1"

	res, err := svc.Enqueue(context.Background(), EnqueueInput{OwnerID: "owner", ContactID: "c-1", AttachmentID: &attID})
	require.NoError(t, err)
	assert.Empty(t, res.ManualLink)
	assert.Contains(t, res.Message.Body, "Estimado/a Juan")
	require.NotNil(t, res.Message.AttachmentID)
}

func TestOutboundService_EnqueueValidation(t *testing.T) {
	svc, _ := newOutboundFixture(t, outbound.ModeManual)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, EnqueueInput{OwnerID: "owner", ContactID: "missing"})
	assert.ErrorIs(t, err, ErrContactNotFound)

	_, err = svc.Enqueue(ctx, EnqueueInput{OwnerID: "intruder", ContactID: "c-1"})
	assert.ErrorIs(t, err, ErrContactNotFound)

	_, err = svc.Enqueue(ctx, EnqueueInput{OwnerID: "owner", ContactID: "c-bad"})
	assert.ErrorIs(t, err, outbound.ErrInvalidPhone)

	missing := "att-404"
	_, err = svc.Enqueue(ctx, EnqueueInput{OwnerID: "owner", ContactID: "c-1", AttachmentID: &missing})
	assert.ErrorIs(t, err, ErrAttachmentNotFound)

	_, err = svc.Enqueue(ctx, EnqueueInput{OwnerID: "owner", ContactID: "c-1", Template: "{policy_number}"})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerdesk/backend/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *WhatsAppClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWhatsAppClient(config.OutboundConfig{
		APIURL:            srv.URL + "/v17.0/",
		APIKey:            "secret-token",
		PhoneID:           "1098",
		PublicFileBaseURL: "https://files.example.com/pdf/",
	}, nil)
}

func TestWhatsAppClient_SendText(t *testing.T) {
	var got sendPayload
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v17.0/1098/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.ABC"}]}`))
	})

	id, err := client.Send(context.Background(), SendRequest{Phone: "+54 9 11-1234", Body: "Hola"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.ABC", id)

	assert.Equal(t, "whatsapp", got.MessagingProduct)
	assert.Equal(t, "549111234", got.To)
	assert.Equal(t, "text", got.Type)
	require.NotNil(t, got.Text)
	assert.Equal(t, "Hola", got.Text.Body)
	assert.Nil(t, got.Document)
}

func TestWhatsAppClient_SendDocument(t *testing.T) {
	var got sendPayload
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.DOC"}]}`))
	})

	_, err := client.Send(context.Background(), SendRequest{
		Phone:    "+5491112345678",
		Document: &Document{FileName: "Mapfre Poliza.pdf", Caption: "Su poliza"},
	})
	require.NoError(t, err)

	assert.Equal(t, "document", got.Type)
	require.NotNil(t, got.Document)
	assert.Equal(t, "https://files.example.com/pdf/Mapfre%20Poliza.pdf", got.Document.Link)
	assert.Equal(t, "Su poliza", got.Document.Caption)
	assert.Equal(t, "Mapfre Poliza.pdf", got.Document.Filename)
}

func TestWhatsAppClient_APIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid parameter","code":100}}`))
	})

	_, err := client.Send(context.Background(), SendRequest{Phone: "+5491112345678", Body: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid parameter")
	assert.NotErrorIs(t, err, ErrNotConfigured)
}

func TestWhatsAppClient_NotConfigured(t *testing.T) {
	client := NewWhatsAppClient(config.OutboundConfig{APIURL: "https://graph.facebook.com/v17.0"}, nil)
	assert.False(t, client.Configured())

	_, err := client.Send(context.Background(), SendRequest{Phone: "+5491112345678", Body: "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)

	client = NewWhatsAppClient(config.OutboundConfig{APIKey: "k", PhoneID: "p"}, nil)
	_, err = client.Send(context.Background(), SendRequest{Phone: "+5491112345678", Document: &Document{FileName: "a.pdf"}})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

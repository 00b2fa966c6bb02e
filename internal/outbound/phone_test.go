package outbound

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerdesk/backend/internal/domain"
)

func TestValidatePhone(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"+54 9 11 1234-5678", "+5491112345678", false},
		{"(011) 4555-1234", "+01145551234", false},
		{"1234567", "", true},
		{"+1234567890123456", "", true},
		{"+54 9 abc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ValidatePhone(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPhone)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManualLink(t *testing.T) {
	link := ManualLink("+54 9 11-1234", `Hola "Juan" & co`)
	assert.Equal(t, "https://wa.me/549111234?text=Hola%20%22Juan%22%20%26%20co", link)

	assert.Equal(t, "https://wa.me/5491112345678?text=1%2B1%3D2", ManualLink("+5491112345678", "1+1=2"))
}

func TestRenderTemplate(t *testing.T) {
	contact := &domain.Contact{FirstName: "Ana", LastName: "Gomez"}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	premium := 1520.5

	got := RenderTemplate("Hola {first_name}! Poliza {policy_number} de {company} ({valid_from} - {valid_to}) ${premium}",
		contact, &domain.PolicyInfo{
			CompanyName: "Mapfre", PolicyNumber: "AU-99", ValidFrom: &from, ValidTo: &to, Premium: &premium,
		})
	assert.Equal(t, "Hola Ana! Poliza AU-99 de Mapfre (01/01/2026 - 01/01/2027) $1520.50", got)

	assert.Equal(t, "Estimado/a Ana Gomez, poliza", RenderTemplate("  Estimado/a {full_name}, poliza {policy_number} ", contact, nil))
}

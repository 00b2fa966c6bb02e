package mailbox

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerdesk/backend/internal/domain"
)

func buildMessage(headers map[string]string, body string) []byte {
	var b strings.Builder
	for _, k := range []string{"Message-ID", "From", "To", "Subject", "Date", "MIME-Version", "Content-Type"} {
		if v, ok := headers[k]; ok {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func pdfMessage(filenameHeader string) []byte {
	pdf := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake"))
	body := "--BOUNDARY\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n\r\n" +
		"Adjunto la póliza.\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; " + filenameHeader + "\r\n" +
		"Content-Transfer-Encoding: base64\r\n\r\n" +
		pdf + "\r\n" +
		"--BOUNDARY--\r\n"
	return buildMessage(map[string]string{
		"Message-ID":   "<abc123@mapfre.com>",
		"From":         "=?UTF-8?Q?Jos=C3=A9_P=C3=A9rez?= <Jose@Mapfre.com>",
		"Subject":      "=?UTF-8?B?UMOzbGl6YSByZW5vdmFkYQ==?=",
		"Date":         "Mon, 04 Mar 2024 10:15:00 +0100",
		"MIME-Version": "1.0",
		"Content-Type": `multipart/mixed; boundary="BOUNDARY"`,
	}, body)
}

func TestParseMessage_PDFAttachment(t *testing.T) {
	pm, err := ParseMessage(pdfMessage(`filename="poliza.pdf"`))
	require.NoError(t, err)

	assert.Equal(t, "<abc123@mapfre.com>", pm.MessageID)
	assert.False(t, pm.Synthetic)
	assert.Equal(t, "Póliza renovada", pm.Subject)
	assert.Equal(t, "José Pérez <Jose@Mapfre.com>", pm.From)
	assert.Equal(t, "jose@mapfre.com", pm.FromAddress)
	assert.True(t, pm.Date.Equal(time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)))
	assert.NoError(t, pm.PartErr)

	require.Len(t, pm.Parts, 2)
	assert.Equal(t, "text/plain", pm.Parts[0].ContentType)
	assert.Empty(t, pm.Parts[0].Filename)
	assert.Nil(t, pm.Parts[0].Content)

	assert.Equal(t, "application/pdf", pm.Parts[1].ContentType)
	assert.Equal(t, "poliza.pdf", pm.Parts[1].Filename)
	assert.Equal(t, []byte("%PDF-1.4 fake"), pm.Parts[1].Content)
}

func TestParseMessage_EncodedFilename(t *testing.T) {
	pm, err := ParseMessage(pdfMessage(`filename="=?UTF-8?Q?p=C3=B3liza_2024.pdf?="`))
	require.NoError(t, err)
	require.Len(t, pm.Parts, 2)
	assert.Equal(t, "póliza 2024.pdf", pm.Parts[1].Filename)
}

func TestParseMessage_SyntheticID(t *testing.T) {
	raw := buildMessage(map[string]string{
		"From":    "agente@example.com",
		"Subject": "sin id",
	}, "hola\r\n")

	pm, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.True(t, pm.Synthetic)
	assert.True(t, strings.HasPrefix(pm.MessageID, "sha256:"))
	assert.Equal(t, SyntheticMessageID(raw), pm.MessageID)
	assert.True(t, pm.Date.IsZero())

	t.Run("只哈希前1000字节", func(t *testing.T) {
		long := append([]byte(nil), raw...)
		long = append(long, []byte(strings.Repeat("x", 2000))...)
		other := append([]byte(nil), long...)
		other[len(other)-1] = 'y'
		assert.Equal(t, SyntheticMessageID(long), SyntheticMessageID(other))
	})
}

func TestIMAPDialer_Address(t *testing.T) {
	d := NewIMAPDialer("imap.gmail.com", 993, nil)
	assert.Equal(t, "imap.gmail.com:993", d.Address(&domain.MailAccount{}))
	assert.Equal(t, "mail.example.com:143", d.Address(&domain.MailAccount{Host: "mail.example.com", Port: 143}))
}

package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"brokerdesk/backend/internal/config"
)

// ErrNotConfigured 缺少 API 凭据或附件公网地址
var ErrNotConfigured = errors.New("whatsapp api not configured")

// Document 以文档形式发送的附件
type Document struct {
	FileName string
	Caption  string
}

// SendRequest 一次发送请求
type SendRequest struct {
	Phone    string
	Body     string
	Document *Document
}

// Transport 外发通道，成功时返回服务商分配的消息 ID
type Transport interface {
	Send(ctx context.Context, req SendRequest) (string, error)
}

// configurable 能报告凭据是否齐全的通道
type configurable interface {
	Configured() bool
}

// WhatsAppClient WhatsApp Cloud API 客户端
type WhatsAppClient struct {
	apiURL        string
	apiKey        string
	phoneID       string
	publicFileURL string
	httpClient    *http.Client
	log           *zap.Logger
}

// NewWhatsAppClient 创建客户端
func NewWhatsAppClient(cfg config.OutboundConfig, log *zap.Logger) *WhatsAppClient {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WhatsAppClient{
		apiURL:        strings.TrimRight(cfg.APIURL, "/"),
		apiKey:        cfg.APIKey,
		phoneID:       cfg.PhoneID,
		publicFileURL: strings.TrimRight(cfg.PublicFileBaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		log:           log.Named("whatsapp"),
	}
}

// Configured 是否具备发送所需的凭据
func (c *WhatsAppClient) Configured() bool {
	return c.apiKey != "" && c.phoneID != ""
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type documentBody struct {
	Link     string `json:"link"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type sendPayload struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Document         *documentBody `json:"document,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send 实现 Transport
func (c *WhatsAppClient) Send(ctx context.Context, req SendRequest) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	payload := sendPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               Digits(req.Phone),
	}
	if req.Document != nil {
		if c.publicFileURL == "" {
			return "", fmt.Errorf("%w: public file base url missing", ErrNotConfigured)
		}
		filename := req.Document.FileName
		if filename == "" {
			filename = "documento.pdf"
		}
		payload.Type = "document"
		payload.Document = &documentBody{
			Link:     c.publicFileURL + "/" + url.PathEscape(req.Document.FileName),
			Caption:  req.Document.Caption,
			Filename: filename,
		}
	} else {
		payload.Type = "text"
		payload.Text = &textBody{Body: req.Body}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", c.apiURL, c.phoneID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed sendResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("api error (status %d): %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode response: %w", decodeErr)
	}
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", errors.New("api response carried no message id")
	}

	c.log.Debug("message accepted", zap.String("provider_id", parsed.Messages[0].ID), zap.String("type", payload.Type))
	return parsed.Messages[0].ID, nil
}

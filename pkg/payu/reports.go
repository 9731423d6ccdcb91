package payu

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/apierr"
	"github.com/oxzoid/attendpay/pkg/models"
)

const orderDetailCommand = "ORDER_DETAIL_BY_REFERENCE_CODE"

// Payment is a pull-side payment as reported by the order-detail query.
type Payment struct {
	ReferenceCode string
	State         string
	ResponseCode  string
	Amount        string
	Currency      string
	Date          time.Time
	Method        string
	Receipt       string
}

// Entry converts p into a pull record for the attempt counter.
func (p *Payment) Entry(counter int) models.PullEntry {
	return models.PullEntry{
		ReferenceCode: p.ReferenceCode,
		Counter:       counter,
		Date:          p.Date,
		Amount:        p.Amount,
		Currency:      p.Currency,
		State:         p.State,
		Message:       p.ResponseCode,
		Method:        p.Method,
		Receipt:       p.Receipt,
	}
}

type orderDetailRequest struct {
	Test     bool              `json:"test"`
	Command  string            `json:"command"`
	Merchant merchantAuth      `json:"merchant"`
	Details  map[string]string `json:"details"`
	Language string            `json:"language"`
}

type merchantAuth struct {
	APILogin string `json:"apiLogin"`
	APIKey   string `json:"apiKey"`
}

type orderDetailResponse struct {
	Code   string          `json:"code"`
	Error  json.RawMessage `json:"error"`
	Result *struct {
		Payload []orderPayload `json:"payload"`
	} `json:"result"`
}

type orderPayload struct {
	ReferenceCode    string      `json:"referenceCode"`
	CreationDate     json.Number `json:"creationDate"`
	AdditionalValues struct {
		TxValue struct {
			Value    json.Number `json:"value"`
			Currency string      `json:"currency"`
		} `json:"TX_VALUE"`
	} `json:"additionalValues"`
	Transactions []struct {
		PaymentMethod       string `json:"paymentMethod"`
		TransactionResponse struct {
			State        string `json:"state"`
			ResponseCode string `json:"responseCode"`
		} `json:"transactionResponse"`
		ExtraParameters map[string]any `json:"extraParameters"`
	} `json:"transactions"`
}

// Client queries the gateway's reports API.
type Client struct {
	http     *resty.Client
	url      string
	login    string
	key      string
	test     bool
	language string
	log      *zap.Logger
}

type ClientConfig struct {
	URL      string
	APILogin string
	APIKey   string
	Test     bool
	Timeout  time.Duration
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := resty.New()
	httpClient.SetTimeout(cfg.Timeout)
	return &Client{
		http:     httpClient,
		url:      cfg.URL,
		login:    cfg.APILogin,
		key:      cfg.APIKey,
		test:     cfg.Test,
		language: "es",
		log:      logger,
	}
}

// FetchPayment returns the gateway's view of referenceCode. It returns
// (nil, nil) when the call fails or no such order exists, and a 503
// *apierr.HTTPError when the gateway answers with an explicit error code.
func (c *Client) FetchPayment(ctx context.Context, referenceCode string) (*Payment, error) {
	req := orderDetailRequest{
		Test:     c.test,
		Command:  orderDetailCommand,
		Merchant: merchantAuth{APILogin: c.login, APIKey: c.key},
		Details:  map[string]string{"referenceCode": referenceCode},
		Language: c.language,
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(req).
		Post(c.url)
	if err != nil {
		c.log.Warn("order detail request failed", zap.String("reference_code", referenceCode), zap.Error(err))
		return nil, nil
	}
	if !resp.IsSuccess() {
		c.log.Warn("order detail non-2xx", zap.String("reference_code", referenceCode), zap.Int("status", resp.StatusCode()))
		return nil, nil
	}

	var data orderDetailResponse
	if err := json.Unmarshal(resp.Body(), &data); err != nil {
		c.log.Warn("order detail malformed", zap.String("reference_code", referenceCode), zap.Error(err))
		return nil, nil
	}
	if data.Code == "ERROR" {
		c.log.Error("gateway reported error", zap.String("reference_code", referenceCode), zap.ByteString("error", data.Error))
		return nil, apierr.Unavailable(string(data.Error))
	}
	if data.Result == nil || len(data.Result.Payload) == 0 || len(data.Result.Payload[0].Transactions) == 0 {
		return nil, nil
	}

	payload := data.Result.Payload[0]
	tx := payload.Transactions[0]
	p := &Payment{
		ReferenceCode: referenceCode,
		State:         tx.TransactionResponse.State,
		ResponseCode:  tx.TransactionResponse.ResponseCode,
		Amount:        payload.AdditionalValues.TxValue.Value.String(),
		Currency:      payload.AdditionalValues.TxValue.Currency,
		Date:          millisToTime(payload.CreationDate),
		Method:        tx.PaymentMethod,
	}
	if receipt, ok := tx.ExtraParameters["URL_PAYMENT_RECEIPT_HTML"].(string); ok {
		p.Receipt = receipt
	}
	return p, nil
}

func millisToTime(n json.Number) time.Time {
	ms, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

package payu

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/oxzoid/attendpay/pkg/apierr"
	"github.com/oxzoid/attendpay/pkg/models"
)

// StateApproved is the state_pol code the gateway sends for approved payments.
const StateApproved = "4"

// Notification is a confirmation webhook after parameter checks.
type Notification struct {
	Sign            string `validate:"gt=60"`
	ReferenceCode   string `validate:"gt=45"`
	Value           string `validate:"positive_number"`
	Currency        string `validate:"currency_code"`
	State           string `validate:"positive_number"`
	TransactionDate string
	ResponseMessage string
	BankError       string
}

var webhookParams = []string{"sign", "reference_sale", "value", "currency", "state_pol"}

// PushEntry normalizes the notification into a push record.
func (n *Notification) PushEntry(now time.Time) models.PushEntry {
	state := models.PaymentDeclined
	if n.State == StateApproved {
		state = models.PaymentApproved
	}
	msg := n.ResponseMessage
	if msg == "" {
		msg = n.BankError
	}
	return models.PushEntry{
		ReferenceCode: n.ReferenceCode,
		Date:          now,
		Amount:        n.Value,
		Currency:      n.Currency,
		State:         state,
		Message:       msg,
	}
}

// Authenticator checks webhook parameters and signatures with the merchant's
// API key.
type Authenticator struct {
	apiKey     string
	merchantID string
	validate   *validator.Validate
}

func NewAuthenticator(apiKey, merchantID string) *Authenticator {
	return &Authenticator{apiKey: apiKey, merchantID: merchantID, validate: NewValidator()}
}

// NewValidator registers the named predicates used by gateway payloads.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("positive_number", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(strings.TrimSpace(fl.Field().String()))
		return err == nil && d.IsPositive()
	})
	_ = v.RegisterValidation("currency_code", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) == 3
	})
	return v
}

// Authenticate validates body and verifies its signature. Failures are
// *apierr.HTTPError values: 400 for bad parameters, 401 for a bad signature.
func (a *Authenticator) Authenticate(body map[string]string) (*Notification, error) {
	if err := checkParams(webhookParams, body); err != nil {
		return nil, err
	}
	n := &Notification{
		Sign:            body["sign"],
		ReferenceCode:   body["reference_sale"],
		Value:           body["value"],
		Currency:        body["currency"],
		State:           body["state_pol"],
		TransactionDate: body["transaction_date"],
		ResponseMessage: body["response_message_pol"],
		BankError:       body["error_message_bank"],
	}
	if err := a.validate.Struct(n); err != nil {
		return nil, paramError(err)
	}

	expected := Sign(a.apiKey, HashParams{
		MerchantID:    a.merchantID,
		ReferenceCode: n.ReferenceCode,
		Amount:        HashableAmount(n.Value),
		Currency:      n.Currency,
		State:         n.State,
	})
	if subtle.ConstantTimeCompare([]byte(n.Sign), []byte(expected)) != 1 {
		return nil, apierr.New(http.StatusUnauthorized, apierr.Unauthorized, map[string]string{"actual": n.Sign, "expected": expected})
	}
	return n, nil
}

// Hash validates p and returns the digest the gateway would compute for it.
// An empty MerchantID falls back to the configured merchant.
func (a *Authenticator) Hash(p HashParams) (string, error) {
	if err := a.validate.Struct(p); err != nil {
		return "", paramError(err)
	}
	if p.MerchantID == "" {
		p.MerchantID = a.merchantID
	}
	return Sign(a.apiKey, p), nil
}

func checkParams(names []string, body map[string]string) error {
	var missing []string
	for _, name := range names {
		if _, ok := body[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return apierr.BadRequest(apierr.InsufficientParams, map[string][]string{"missing": missing})
	}
	return nil
}

func paramError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apierr.BadRequest(apierr.WrongParamValues, map[string]any{"name": fe.Field(), "value": fe.Value(), "rule": fe.Tag()})
	}
	return apierr.BadRequest(apierr.WrongParamValues, err.Error())
}

package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/apierr"
	"github.com/oxzoid/attendpay/pkg/models"
	"github.com/oxzoid/attendpay/pkg/payu"
	"github.com/oxzoid/attendpay/pkg/reference"
)

type PushLog interface {
	SaveRawPayment(ctx context.Context, p models.RawPayment) (string, error)
	AppendPush(ctx context.Context, event, user string, p models.PushEntry) error
}

// Webhook is an inbound confirmation as the HTTP layer saw it.
type Webhook struct {
	Body       map[string]string
	Headers    map[string]string
	IP         string
	ReceivedAt time.Time
}

// Receiver authenticates webhooks and records them on the push stream.
type Receiver struct {
	auth  *payu.Authenticator
	store PushLog
	log   *zap.Logger
}

func NewReceiver(auth *payu.Authenticator, store PushLog, logger *zap.Logger) *Receiver {
	return &Receiver{auth: auth, store: store, log: logger}
}

// Receive returns the payment to settle. Client errors are *apierr.HTTPError.
func (r *Receiver) Receive(ctx context.Context, w Webhook) (*Payment, error) {
	if w.ReceivedAt.IsZero() {
		w.ReceivedAt = time.Now().UTC()
	}
	n, err := r.auth.Authenticate(w.Body)
	if err != nil {
		r.log.Warn("webhook rejected", zap.String("ip", w.IP), zap.Error(err))
		return nil, err
	}
	code, err := reference.Decode(n.ReferenceCode)
	if err != nil {
		return nil, apierr.BadRequest(apierr.WrongParamValues, map[string]string{"name": "reference_sale", "value": n.ReferenceCode})
	}
	if !common.IsHexAddress(code.User) {
		return nil, apierr.BadRequest(apierr.WrongParamValues, map[string]string{"name": "reference_sale", "value": n.ReferenceCode})
	}

	if _, err := r.store.SaveRawPayment(ctx, models.RawPayment{
		ReferenceCode: n.ReferenceCode,
		Body:          w.Body,
		Headers:       w.Headers,
		IP:            w.IP,
		ReceivedAt:    w.ReceivedAt,
	}); err != nil {
		return nil, fmt.Errorf("save raw payment: %w", err)
	}
	push := n.PushEntry(w.ReceivedAt)
	if err := r.store.AppendPush(ctx, code.Event, code.User, push); err != nil {
		return nil, fmt.Errorf("append push: %w", err)
	}
	r.log.Info("webhook received",
		zap.String("reference_code", n.ReferenceCode),
		zap.String("state", push.State),
		zap.String("amount", push.Amount),
		zap.String("currency", push.Currency))
	return &Payment{Event: code.Event, User: code.User, Push: push}, nil
}

package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"regexp"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/apierr"
	"github.com/oxzoid/attendpay/pkg/blockchain"
	"github.com/oxzoid/attendpay/pkg/models"
	"github.com/oxzoid/attendpay/pkg/payu"
	"github.com/oxzoid/attendpay/pkg/settlement"
)

var (
	webhooksReceivedTotal int64
	webhooksRejectedTotal int64
	transactionReadsTotal int64
)

var (
	eventPattern = regexp.MustCompile(`^[a-z0-9-]{1,60}$`)
	userPattern  = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

// Store is the persistence the handlers touch directly.
type Store interface {
	SetClosable(ctx context.Context, referenceCode string) error
	IsClosable(ctx context.Context, referenceCode string) (bool, error)
	GetEvent(ctx context.Context, url string) (*models.Event, error)
	PutEvent(ctx context.Context, e models.Event) error
}

type Receiver interface {
	Receive(ctx context.Context, w settlement.Webhook) (*settlement.Payment, error)
}

type Queue interface {
	Enqueue(job settlement.Job)
	Stats() settlement.Stats
}

type Transactions interface {
	Transaction(ctx context.Context, event, user string) (*models.Transaction, error)
}

type Hasher interface {
	Hash(p payu.HashParams) (string, error)
}

type PriceFeed interface {
	ETHPrice(ctx context.Context) (decimal.Decimal, error)
}

type GasOracle interface {
	GasPrices(ctx context.Context) (*blockchain.GasPrices, error)
}

// Deps wires the handlers. Every field is required except AdminKey; an empty
// AdminKey disables the admin routes.
type Deps struct {
	Store        Store
	Receiver     Receiver
	Queue        Queue
	Transactions Transactions
	Hasher       Hasher
	Prices       PriceFeed
	Gas          GasOracle
	AdminKey     string
	Log          *zap.Logger
}

// deps is set by api.Init in main.go
var deps Deps

// Init is called from main.go once every dependency is built.
func Init(d Deps) {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	deps = d
}

// Register mounts every route on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /payu", WebhookHandler)
	mux.HandleFunc("GET /payu/{event}/{user}", TransactionHandler)
	mux.HandleFunc("POST /payu/hash", HashHandler)
	mux.HandleFunc("GET /close", CloseHandler)
	mux.HandleFunc("GET /closable/{referenceCode}", ClosableHandler)
	mux.HandleFunc("GET /eth/price", ETHPriceHandler)
	mux.HandleFunc("GET /eth/gas", GasHandler)
	mux.HandleFunc("GET /events/{url}", GetEventHandler)
	mux.HandleFunc("PUT /admin/events/{url}", APIKeyAuthMiddleware(PutEventHandler))
	mux.HandleFunc("GET /debug/metrics", DebugMetricsHandler)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorJSON(w http.ResponseWriter, code int, errStr, msg string) {
	writeJSON(w, code, map[string]string{"error": errStr, "message": msg})
}

// writeError renders err. Only the code reaches the client; the attached
// object is logged.
func writeError(w http.ResponseWriter, err error) {
	if httpErr, ok := apierr.As(err); ok {
		deps.Log.Warn("request failed",
			zap.Int("status", httpErr.Status),
			zap.String("code", string(httpErr.Code)),
			zap.Any("object", httpErr.Object))
		writeErrorJSON(w, httpErr.Status, string(httpErr.Code), http.StatusText(httpErr.Status))
		return
	}
	deps.Log.Error("internal error", zap.Error(err))
	writeErrorJSON(w, http.StatusInternalServerError, "internal_error", "internal error")
}

// DebugMetricsHandler godoc
// @Summary      Get debug metrics
// @Description  Returns in-memory metrics counters
// @Tags         debug
// @Produce      json
// @Success      200  {object}  map[string]int64
// @Router       /debug/metrics [get]
func DebugMetricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := map[string]int64{
		"webhooks_received_total": atomic.LoadInt64(&webhooksReceivedTotal),
		"webhooks_rejected_total": atomic.LoadInt64(&webhooksRejectedTotal),
		"transaction_reads_total": atomic.LoadInt64(&transactionReadsTotal),
	}
	if deps.Queue != nil {
		s := deps.Queue.Stats()
		metrics["settlements_enqueued_total"] = s.Enqueued
		metrics["settlements_overflow_total"] = s.Overflow
		metrics["settlements_processed_total"] = s.Processed
		metrics["settlements_failed_total"] = s.Failed
	}
	writeJSON(w, http.StatusOK, metrics)
}

// ETHPriceHandler godoc
// @Summary      ETH price
// @Description  Current ETH price in USD from the price feed
// @Tags         eth
// @Produce      json
// @Success      200  {string}  string
// @Failure      503  {object}  map[string]string
// @Router       /eth/price [get]
func ETHPriceHandler(w http.ResponseWriter, r *http.Request) {
	price, err := deps.Prices.ETHPrice(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, price.String())
}

type gasResp struct {
	Safe    string `json:"safe"`
	Propose string `json:"propose"`
}

// GasHandler godoc
// @Summary      Gas prices
// @Description  Safe and proposed gas prices in wei
// @Tags         eth
// @Produce      json
// @Success      200  {object}  gasResp
// @Failure      503  {object}  map[string]string
// @Router       /eth/gas [get]
func GasHandler(w http.ResponseWriter, r *http.Request) {
	prices, err := deps.Gas.GasPrices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gasResp{Safe: weiString(prices.Safe), Propose: weiString(prices.Propose)})
}

func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

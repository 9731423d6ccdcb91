package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/apierr"
	"github.com/oxzoid/attendpay/pkg/models"
	"github.com/oxzoid/attendpay/pkg/payu"
	"github.com/oxzoid/attendpay/pkg/settlement"
)

// WebhookHandler godoc
// @Summary      Gateway confirmation webhook
// @Description  Authenticates a payment confirmation, records it and settles it in the background
// @Tags         payu
// @Accept       x-www-form-urlencoded
// @Accept       json
// @Success      200
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /payu [post]
func WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readParams(r)
	if err != nil {
		atomic.AddInt64(&webhooksRejectedTotal, 1)
		writeErrorJSON(w, http.StatusBadRequest, string(apierr.WrongParamValues), "unreadable body")
		return
	}

	payment, err := deps.Receiver.Receive(r.Context(), settlement.Webhook{
		Body:       body,
		Headers:    flattenHeaders(r.Header),
		IP:         clientIP(r),
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		atomic.AddInt64(&webhooksRejectedTotal, 1)
		writeError(w, err)
		return
	}
	atomic.AddInt64(&webhooksReceivedTotal, 1)

	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	deps.Queue.Enqueue(settlement.Job{Payment: *payment})
}

// TransactionHandler godoc
// @Summary      Get transaction record
// @Description  Refreshes and returns the push, pull and register streams for an attendee
// @Tags         payu
// @Produce      json
// @Param        event  path  string  true  "Event URL"
// @Param        user   path  string  true  "Attendee address"
// @Success      200  {object}  models.Transaction
// @Failure      400  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /payu/{event}/{user} [get]
func TransactionHandler(w http.ResponseWriter, r *http.Request) {
	event, user := r.PathValue("event"), r.PathValue("user")
	if !eventPattern.MatchString(event) {
		writeErrorJSON(w, http.StatusBadRequest, string(apierr.WrongParamValues), "event")
		return
	}
	if !userPattern.MatchString(user) {
		writeErrorJSON(w, http.StatusBadRequest, string(apierr.WrongParamValues), "user")
		return
	}
	atomic.AddInt64(&transactionReadsTotal, 1)

	t, err := deps.Transactions.Transaction(r.Context(), event, user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionResp{Push: t.Push, Pull: t.Pull, Register: t.Register})
}

type transactionResp struct {
	Push     []models.PushEntry     `json:"push"`
	Pull     []models.PullEntry     `json:"pull"`
	Register []models.RegisterEntry `json:"register"`
}

// HashHandler godoc
// @Summary      Compute gateway signature
// @Description  Returns the signature the gateway expects for a checkout form
// @Tags         payu
// @Accept       json
// @Produce      json
// @Param        params  body  payu.HashParams  true  "Signed fields"
// @Success      200  {string}  string
// @Failure      400  {object}  map[string]string
// @Router       /payu/hash [post]
func HashHandler(w http.ResponseWriter, r *http.Request) {
	var req payu.HashParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, string(apierr.WrongParamValues), "invalid JSON")
		return
	}
	hash, err := deps.Hasher.Hash(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hash)
}

// readParams accepts the gateway's form encoding and JSON.
func readParams(r *http.Request) (map[string]string, error) {
	params := map[string]string{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		for k, v := range raw {
			if v == nil {
				continue
			}
			params[k] = fmt.Sprint(v)
		}
		return params, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CloseHandler godoc
// @Summary      Close checkout tab
// @Description  Marks a reference code closable and tells the payer to close the tab
// @Tags         payu
// @Produce      plain
// @Param        referenceCode  query  string  true   "Reference code"
// @Param        language       query  string  false  "es or en"
// @Success      200  {string}  string
// @Router       /close [get]
func CloseHandler(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("referenceCode")
	msg := "cierra esta pestaña para regresar a coinosis."
	if r.URL.Query().Get("language") == "en" {
		msg = "close this tab to return to coinosis."
	}
	if ref != "" {
		if err := deps.Store.SetClosable(r.Context(), ref); err != nil {
			deps.Log.Error("set closable failed", zap.String("reference_code", ref), zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(msg))
}

// ClosableHandler godoc
// @Summary      Is checkout closable
// @Description  Reports whether the payer reached the close page for a reference code
// @Tags         payu
// @Produce      json
// @Param        referenceCode  path  string  true  "Reference code"
// @Success      200  {boolean}  bool
// @Router       /closable/{referenceCode} [get]
func ClosableHandler(w http.ResponseWriter, r *http.Request) {
	ok, err := deps.Store.IsClosable(r.Context(), r.PathValue("referenceCode"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok)
}

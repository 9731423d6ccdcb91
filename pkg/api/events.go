package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/apierr"
	"github.com/oxzoid/attendpay/pkg/db"
	"github.com/oxzoid/attendpay/pkg/models"
)

// EventPutReq is the body for seeding an event
// swagger:model
// @Description Contract address and fee of an event
type EventPutReq struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	FeeWei    string `json:"feeWei"` // String to handle 18-decimal amounts
	Organizer string `json:"organizer"`
}

// GetEventHandler godoc
// @Summary      Get event
// @Description  Returns the contract address and fee of an event
// @Tags         events
// @Produce      json
// @Param        url  path  string  true  "Event URL"
// @Success      200  {object}  models.Event
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /events/{url} [get]
func GetEventHandler(w http.ResponseWriter, r *http.Request) {
	url := r.PathValue("url")
	if !eventPattern.MatchString(url) {
		writeErrorJSON(w, http.StatusBadRequest, string(apierr.WrongParamValues), "url")
		return
	}
	e, err := deps.Store.GetEvent(r.Context(), url)
	if errors.Is(err, db.ErrNotFound) {
		writeErrorJSON(w, http.StatusNotFound, string(apierr.EventNonexistent), "event not found")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// PutEventHandler godoc
// @Summary      Seed event
// @Description  Creates or replaces the settlement parameters of an event
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        url    path  string       true  "Event URL"
// @Param        event  body  EventPutReq  true  "Event info"
// @Success      200  {object}  models.Event
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Security     ApiKeyAuth
// @Router       /admin/events/{url} [put]
func PutEventHandler(w http.ResponseWriter, r *http.Request) {
	url := r.PathValue("url")
	if !eventPattern.MatchString(url) {
		writeErrorJSON(w, http.StatusBadRequest, string(apierr.WrongParamValues), "url")
		return
	}
	var req EventPutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, string(apierr.WrongParamValues), "invalid JSON")
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeErrorJSON(w, http.StatusBadRequest, string(apierr.WrongParamValues), "address")
		return
	}
	if fee, ok := new(big.Int).SetString(req.FeeWei, 10); !ok || fee.Sign() <= 0 {
		writeErrorJSON(w, http.StatusBadRequest, string(apierr.InvalidFee), "feeWei")
		return
	}

	e := models.Event{
		URL:       url,
		Name:      req.Name,
		Address:   common.HexToAddress(req.Address).Hex(),
		FeeWei:    req.FeeWei,
		Organizer: req.Organizer,
	}
	if err := deps.Store.PutEvent(r.Context(), e); err != nil {
		writeError(w, err)
		return
	}
	deps.Log.Info("event stored", zap.String("event", url), zap.String("address", e.Address), zap.String("fee_wei", e.FeeWei))
	writeJSON(w, http.StatusOK, e)
}

func APIKeyAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.AdminKey == "" {
			writeErrorJSON(w, http.StatusNotFound, string(apierr.NotFound), "admin routes disabled")
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeErrorJSON(w, http.StatusUnauthorized, string(apierr.Unauthorized), "API key required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(deps.AdminKey)) != 1 {
			writeErrorJSON(w, http.StatusUnauthorized, string(apierr.Unauthorized), "invalid API key")
			return
		}
		next(w, r)
	}
}

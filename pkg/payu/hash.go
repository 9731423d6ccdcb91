// Package payu talks to the PayU gateway: it authenticates confirmation
// webhooks and queries order details by reference code.
package payu

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var hashableAmount = regexp.MustCompile(`(\d+\.?\d?)(\d?)`)

// HashableAmount returns the amount exactly as the gateway hashes it: at most
// two decimals, and a trailing second decimal of 0 dropped.
//
//	"25" -> "25", "25.20" -> "25.2", "25.00" -> "25.0", "25.25" -> "25.25"
func HashableAmount(amount string) string {
	m := hashableAmount.FindStringSubmatch(amount)
	if m == nil {
		return amount
	}
	base, second := m[1], m[2]
	if second == "" || second == "0" {
		return base
	}
	return base + second
}

// HashParams are the fields covered by the gateway signature. State is only
// present on confirmation webhooks.
type HashParams struct {
	MerchantID    string `json:"merchantId"`
	ReferenceCode string `json:"referenceCode" validate:"gt=45"`
	Amount        string `json:"amount" validate:"positive_number"`
	Currency      string `json:"currency" validate:"currency_code"`
	State         string `json:"state,omitempty"`
}

// Sign computes sha256("key~merchant~reference~amount~currency[~state]") as
// lowercase hex.
func Sign(apiKey string, p HashParams) string {
	fields := []string{apiKey, p.MerchantID, p.ReferenceCode, p.Amount, p.Currency}
	if p.State != "" {
		fields = append(fields, p.State)
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "~")))
	return hex.EncodeToString(sum[:])
}

package models

import "time"

// Register states. Wire values are the ones clients already understand.
const (
	StateCreated           = "CREATED"
	StateNotSent           = "REJECTED"
	StateSent              = "PENDING"
	StateConfirmed         = "APPROVED"
	StateAlreadyRegistered = "ALREADY_REGISTERED"
)

// Gateway payment states.
const (
	PaymentApproved = "APPROVED"
	PaymentDeclined = "DECLINED"
	PaymentPending  = "PENDING"
)

// Streams of a transaction record.
const (
	StreamPush     = "push"
	StreamPull     = "pull"
	StreamRegister = "register"
)

type Event struct {
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	Address   string `json:"address"`
	FeeWei    string `json:"feeWei"` // String to handle 18-decimal amounts
	Organizer string `json:"organizer"`
}

// PushEntry is one authenticated webhook.
type PushEntry struct {
	ReferenceCode string    `json:"referenceCode"`
	Date          time.Time `json:"date"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	State         string    `json:"state"`
	Message       string    `json:"message,omitempty"`
}

// PullEntry is one order-detail query result. Counter is the attempt counter
// embedded in ReferenceCode.
type PullEntry struct {
	ReferenceCode string    `json:"referenceCode"`
	Counter       int       `json:"counter"`
	Date          time.Time `json:"date"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	State         string    `json:"state"`
	Message       string    `json:"message,omitempty"`
	Method        string    `json:"method,omitempty"`
	Receipt       string    `json:"receipt,omitempty"`
}

// RegisterEntry is one on-chain registration attempt.
type RegisterEntry struct {
	ID            string    `json:"-"`
	ReferenceCode string    `json:"referenceCode"`
	Date          time.Time `json:"date"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	State         string    `json:"state"`
	TxHash        string    `json:"txHash,omitempty"`
	Error         string    `json:"error,omitempty"`
	FeeWei        string    `json:"feeWei,omitempty"`
	ETHPrice      string    `json:"ethPrice,omitempty"`
}

// Transaction aggregates every record for an (event, user) pair.
type Transaction struct {
	Event    string          `json:"event"`
	User     string          `json:"user"`
	Push     []PushEntry     `json:"push"`
	Pull     []PullEntry     `json:"pull"`
	Register []RegisterEntry `json:"register"`
}

// LastPull returns the tail of the pull stream, if any.
func (t *Transaction) LastPull() (PullEntry, int, bool) {
	if t == nil || len(t.Pull) == 0 {
		return PullEntry{}, -1, false
	}
	i := len(t.Pull) - 1
	return t.Pull[i], i, true
}

// RawPayment is the verbatim webhook body kept for audit and hash replay.
type RawPayment struct {
	ID            string            `json:"id"`
	ReferenceCode string            `json:"reference"`
	Body          map[string]string `json:"body"`
	Headers       map[string]string `json:"headers,omitempty"`
	IP            string            `json:"ip"`
	ReceivedAt    time.Time         `json:"date"`
}

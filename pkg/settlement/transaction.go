package settlement

import (
	"fmt"
	"time"
)

// Status is the settlement state of an outbound transaction.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// Status details written by the settlement engine.
const (
	DetailsExpired            = "Expired"
	DetailsInvalidDestination = "Invalid destination bank"
	DetailsFinished           = "finished"
	DetailsRegistryFailed     = "Contacting central bank failed"
)

// ExpiryWindow is how long a transaction may stay unsettled before it is failed.
const ExpiryWindow = 72 * time.Hour

// PrefixLength is the number of leading account characters naming the owning bank.
const PrefixLength = 3

// transitions lists the allowed targets for every non-terminal status.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPending},
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state graph allows moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transaction is an outbound transfer owned by the settlement engine once created.
type Transaction struct {
	ID            string    `json:"id"`
	AccountFrom   string    `json:"accountFrom"`
	AccountTo     string    `json:"accountTo"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Explanation   string    `json:"explanation"`
	SenderName    string    `json:"senderName"`
	ReceiverName  string    `json:"receiverName,omitempty"`
	Status        Status    `json:"status"`
	StatusDetails string    `json:"statusDetails"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// IsExpired reports whether the transaction has outlived ExpiryWindow at now.
func (t *Transaction) IsExpired(now time.Time) bool {
	return now.After(t.CreatedAt.Add(ExpiryWindow))
}

// Payload returns the fields that are signed and sent to the destination bank.
func (t *Transaction) Payload() TransferPayload {
	return TransferPayload{
		AccountFrom: t.AccountFrom,
		AccountTo:   t.AccountTo,
		Amount:      t.Amount,
		Currency:    t.Currency,
		Explanation: t.Explanation,
		SenderName:  t.SenderName,
		TransferID:  t.ID,
	}
}

// Clone returns a copy that can be mutated without affecting t.
func (t *Transaction) Clone() *Transaction {
	c := *t
	return &c
}

// RoutingPrefix extracts the bank prefix from an account identifier.
func RoutingPrefix(account string) (string, error) {
	if len(account) < PrefixLength {
		return "", &FieldError{Field: "account", Expected: fmt.Sprintf("at least %d characters", PrefixLength), Got: account}
	}
	return account[:PrefixLength], nil
}

package settlement

import "time"

// Bank is a participant listed by the central registry.
type Bank struct {
	Name           string `json:"name"`
	TransactionURL string `json:"transactionUrl"`
	BankPrefix     string `json:"bankPrefix"`
	Owners         string `json:"owners"`
	JWKSURL        string `json:"jwksUrl"`
}

// Account is the slice of an externally managed account the engine reads and credits.
type Account struct {
	Number    string
	Currency  string
	Balance   int64
	OwnerID   string
	OwnerName string
}

// InboundEntry records a credited inbound transfer.
// ReplayKey is unique, so a resent transfer can never be credited twice.
type InboundEntry struct {
	ID               string
	ReplayKey        string
	SenderBank       string
	AccountFrom      string
	AccountTo        string
	Amount           int64
	Currency         string
	OriginalAmount   int64
	OriginalCurrency string
	Explanation      string
	SenderName       string
	CreatedAt        time.Time
}

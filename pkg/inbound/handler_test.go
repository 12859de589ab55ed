package inbound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"bank-settlement/pkg/currency"
	"bank-settlement/pkg/directory"
	"bank-settlement/pkg/jws"
	"bank-settlement/pkg/metrics/memory"
	"bank-settlement/pkg/settlement"
	storemem "bank-settlement/pkg/store/memory"

	"github.com/shopspring/decimal"
)

type fixture struct {
	handler   *Handler
	store     *storemem.Store
	signer    *jws.Signer
	collector *memory.MemoryCollector
	jwksHits  int32
}

func newFixture(t *testing.T, rates currency.StaticRates) *fixture {
	t.Helper()

	signer, err := jws.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner failed: %v", err)
	}

	f := &fixture{
		store:     storemem.New(),
		signer:    signer,
		collector: memory.NewMemoryCollector(),
	}

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.jwksHits, 1)
		json.NewEncoder(w).Encode(signer.PublishedKeys())
	}))
	t.Cleanup(jwks.Close)

	dir := directory.New(directory.StaticSource{
		{Name: "Sender Bank", BankPrefix: "abc", TransactionURL: jwks.URL + "/b2b", JWKSURL: jwks.URL},
	})
	verifier, err := jws.NewVerifier(jws.VerifierConfig{})
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}

	f.store.AddAccount(settlement.Account{Number: "bf7222", Currency: "EUR", Balance: 100, OwnerID: "u2", OwnerName: "Jane Doe"})
	f.store.AddAccount(settlement.Account{Number: "bf7333", Currency: "USD", Balance: 0, OwnerID: "u3", OwnerName: "Joe Bloggs"})

	f.handler = NewHandler(dir, verifier, currency.NewConverter(rates, nil), f.store, Config{
		Replays: NewLedgerReplayFilter(f.store, 1000),
		Metrics: f.collector,
	})
	return f
}

func transfer(accountTo, cur string, amount int64) settlement.TransferPayload {
	return settlement.TransferPayload{
		AccountFrom: "abc111",
		AccountTo:   accountTo,
		Amount:      amount,
		Currency:    cur,
		Explanation: "invoice 42",
		SenderName:  "John Smith",
		TransferID:  "tx-1",
	}
}

func (f *fixture) sign(t *testing.T, p settlement.TransferPayload) string {
	t.Helper()
	token, err := f.signer.Sign(p)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return token
}

func (f *fixture) balance(t *testing.T, number string) int64 {
	t.Helper()
	a, err := f.store.FindByNumber(context.Background(), number)
	if err != nil {
		t.Fatalf("FindByNumber failed: %v", err)
	}
	return a.Balance
}

func TestSettle_CreditsAccount(t *testing.T) {
	f := newFixture(t, nil)
	token := f.sign(t, transfer("bf7222", "EUR", 500))

	res, err := f.handler.Settle(context.Background(), token)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.ReceiverName != "Jane Doe" || res.CreditedAmount != 500 || res.Currency != "EUR" {
		t.Errorf("Unexpected result %+v", res)
	}
	if got := f.balance(t, "bf7222"); got != 600 {
		t.Errorf("Expected balance 600, got %d", got)
	}

	entry, err := f.store.LedgerEntry(context.Background(), ReplayKey("abc", "tx-1"))
	if err != nil {
		t.Fatalf("LedgerEntry failed: %v", err)
	}
	if entry.SenderBank != "abc" || entry.Amount != 500 || entry.ID != res.EntryID {
		t.Errorf("Unexpected ledger entry %+v", entry)
	}
	if got := f.collector.Snapshot().Inbound["credited"]; got != 1 {
		t.Errorf("Expected 1 credited inbound, got %d", got)
	}
}

func TestSettle_ConvertsCurrency(t *testing.T) {
	f := newFixture(t, currency.StaticRates{"EUR:USD": decimal.RequireFromString("0.85")})
	token := f.sign(t, transfer("bf7333", "EUR", 1000))

	res, err := f.handler.Settle(context.Background(), token)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.CreditedAmount != 850 || res.Currency != "USD" {
		t.Errorf("Expected 850 USD, got %d %s", res.CreditedAmount, res.Currency)
	}
	if got := f.balance(t, "bf7333"); got != 850 {
		t.Errorf("Expected balance 850, got %d", got)
	}

	entry, _ := f.store.LedgerEntry(context.Background(), ReplayKey("abc", "tx-1"))
	if entry.OriginalAmount != 1000 || entry.OriginalCurrency != "EUR" {
		t.Errorf("Expected original amount kept in ledger, got %+v", entry)
	}
}

func TestSettle_CreditOriginalPolicy(t *testing.T) {
	f := newFixture(t, currency.StaticRates{"EUR:USD": decimal.RequireFromString("0.85")})
	f.handler.credit = CreditOriginal
	token := f.sign(t, transfer("bf7333", "EUR", 1000))

	res, err := f.handler.Settle(context.Background(), token)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.CreditedAmount != 1000 || res.Currency != "USD" {
		t.Errorf("Expected 1000 USD, got %d %s", res.CreditedAmount, res.Currency)
	}
	if got := f.balance(t, "bf7333"); got != 1000 {
		t.Errorf("Expected balance 1000, got %d", got)
	}
}

func TestParseCreditPolicy(t *testing.T) {
	for in, want := range map[string]CreditPolicy{"": CreditConverted, "converted": CreditConverted, "original": CreditOriginal} {
		got, err := ParseCreditPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseCreditPolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseCreditPolicy("both"); !errors.Is(err, settlement.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestSettle_RateUnavailableCreditsNothing(t *testing.T) {
	f := newFixture(t, currency.StaticRates{})
	token := f.sign(t, transfer("bf7333", "EUR", 1000))

	_, err := f.handler.Settle(context.Background(), token)
	if !errors.Is(err, currency.ErrRateUnavailable) {
		t.Errorf("Expected ErrRateUnavailable, got %v", err)
	}
	if got := f.balance(t, "bf7333"); got != 0 {
		t.Errorf("Expected untouched balance, got %d", got)
	}
	if f.store.LedgerLen() != 0 {
		t.Error("Expected no ledger entry")
	}
}

func TestSettle_TamperedPayloadRejected(t *testing.T) {
	f := newFixture(t, nil)
	token := f.sign(t, transfer("bf7222", "EUR", 500))

	parts := strings.Split(token, ".")
	raw, _ := base64.RawURLEncoding.DecodeString(parts[1])
	tampered := strings.Replace(string(raw), `"amount":500`, `"amount":900`, 1)
	if tampered == string(raw) {
		t.Fatalf("payload did not contain amount: %s", raw)
	}
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(tampered))

	_, err := f.handler.Settle(context.Background(), strings.Join(parts, "."))
	if !errors.Is(err, settlement.ErrSignature) {
		t.Errorf("Expected ErrSignature, got %v", err)
	}
	if got := f.balance(t, "bf7222"); got != 100 {
		t.Errorf("Expected untouched balance 100, got %d", got)
	}
	if f.store.LedgerLen() != 0 {
		t.Error("Expected no ledger entry")
	}
}

func TestSettle_ForeignSignerRejected(t *testing.T) {
	f := newFixture(t, nil)
	other, _ := jws.GenerateSigner()
	token, _ := other.Sign(transfer("bf7222", "EUR", 500))

	if _, err := f.handler.Settle(context.Background(), token); !errors.Is(err, settlement.ErrSignature) {
		t.Errorf("Expected ErrSignature, got %v", err)
	}
	if got := f.balance(t, "bf7222"); got != 100 {
		t.Errorf("Expected untouched balance, got %d", got)
	}
}

func TestSettle_ValidationOrder(t *testing.T) {
	f := newFixture(t, nil)

	missing, _ := f.signer.SignBytes([]byte(`{"accountFrom":"abc111","accountTo":"bf7222","amount":5,"currency":"EUR","explanation":"x"}`))
	mistyped, _ := f.signer.SignBytes([]byte(`{"accountFrom":"abc111","accountTo":"bf7222","amount":"5","currency":"EUR","explanation":"x","senderName":"J"}`))
	unknownSender := f.sign(t, settlement.TransferPayload{AccountFrom: "zzz111", AccountTo: "bf7222", Amount: 5, Currency: "EUR", Explanation: "x", SenderName: "J"})
	unknownAccount := f.sign(t, transfer("bf7999", "EUR", 5))

	tests := []struct {
		name  string
		token string
		want  error
		field string
	}{
		{"not a token", "garbage", settlement.ErrMalformed, ""},
		{"missing field", missing, settlement.ErrValidation, "senderName"},
		{"mistyped field", mistyped, settlement.ErrValidation, "amount"},
		{"unknown sender", unknownSender, ErrUnknownSender, ""},
		{"unknown account", unknownAccount, settlement.ErrNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.handler.Settle(context.Background(), tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if tt.field != "" {
				var fe *settlement.FieldError
				if !errors.As(err, &fe) || fe.Field != tt.field {
					t.Errorf("Expected field error on %s, got %v", tt.field, err)
				}
			}
		})
	}

	if f.store.LedgerLen() != 0 {
		t.Error("Rejected transfers must not be recorded")
	}
	// only the unknown-account case reached signature verification
	if n := atomic.LoadInt32(&f.jwksHits); n != 1 {
		t.Errorf("Expected 1 keyset fetch, got %d", n)
	}
}

func TestSettle_ReplayRejected(t *testing.T) {
	f := newFixture(t, nil)
	token := f.sign(t, transfer("bf7222", "EUR", 500))

	if _, err := f.handler.Settle(context.Background(), token); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	_, err := f.handler.Settle(context.Background(), token)
	var replay *ReplayError
	if !errors.As(err, &replay) || !errors.Is(err, ErrReplay) {
		t.Fatalf("Expected ReplayError, got %v", err)
	}
	if replay.ReceiverName != "Jane Doe" {
		t.Errorf("Expected receiver Jane Doe, got %q", replay.ReceiverName)
	}
	if got := f.balance(t, "bf7222"); got != 600 {
		t.Errorf("Expected a single credit, got balance %d", got)
	}
	if got := f.collector.Snapshot().Inbound["replay"]; got != 1 {
		t.Errorf("Expected 1 replay recorded, got %d", got)
	}
}

func TestSettle_IdenticalTransfersCreditTwice(t *testing.T) {
	f := newFixture(t, nil)
	first := transfer("bf7222", "EUR", 100)
	second := first
	second.TransferID = "tx-2"

	for _, p := range []settlement.TransferPayload{first, second} {
		if _, err := f.handler.Settle(context.Background(), f.sign(t, p)); err != nil {
			t.Fatalf("Settle %s failed: %v", p.TransferID, err)
		}
	}
	if got := f.balance(t, "bf7222"); got != 300 {
		t.Errorf("Expected two credits (balance 300), got %d", got)
	}
	if n := f.store.LedgerLen(); n != 2 {
		t.Errorf("Expected 2 ledger entries, got %d", n)
	}
}

func TestSettle_SameIDFromAnotherBankIsNotReplay(t *testing.T) {
	if ReplayKey("abc", "tx-1") == ReplayKey("bf7", "tx-1") {
		t.Fatal("Replay keys of different senders must differ")
	}
}

func TestSettle_WithoutTransferIDNeverDeduplicated(t *testing.T) {
	f := newFixture(t, nil)
	p := transfer("bf7222", "EUR", 100)
	p.TransferID = ""
	token := f.sign(t, p)

	for i := 0; i < 2; i++ {
		if _, err := f.handler.Settle(context.Background(), token); err != nil {
			t.Fatalf("Settle #%d failed: %v", i+1, err)
		}
	}
	if got := f.balance(t, "bf7222"); got != 300 {
		t.Errorf("Expected balance 300, got %d", got)
	}
}

func TestSettle_ConcurrentReplaysCreditOnce(t *testing.T) {
	f := newFixture(t, nil)
	token := f.sign(t, transfer("bf7222", "EUR", 500))

	var wg sync.WaitGroup
	var credited int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.handler.Settle(context.Background(), token); err == nil {
				atomic.AddInt32(&credited, 1)
			}
		}()
	}
	wg.Wait()

	if credited != 1 {
		t.Errorf("Expected exactly one credit, got %d", credited)
	}
	if got := f.balance(t, "bf7222"); got != 600 {
		t.Errorf("Expected balance 600, got %d", got)
	}
}

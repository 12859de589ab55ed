package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bank-settlement/pkg/directory"
	"bank-settlement/pkg/events"
	"bank-settlement/pkg/jws"
	"bank-settlement/pkg/metrics/memory"
	"bank-settlement/pkg/settlement"
	storemem "bank-settlement/pkg/store/memory"
)

// countingSource is a BankSource that counts fetches.
type countingSource struct {
	banks []settlement.Bank
	err   error
	calls int32
}

func (s *countingSource) FetchBanks(ctx context.Context) ([]settlement.Bank, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return s.banks, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEvents) Publish(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingEvents) Close() error { return nil }

func (r *recordingEvents) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// peerServer answers settlement calls with handler and counts them.
type peerServer struct {
	*httptest.Server
	hits   int32
	tokens chan string
}

func newPeerServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *peerServer {
	t.Helper()
	ps := &peerServer{tokens: make(chan string, 16)}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ps.hits, 1)
		var body struct {
			JWT string `json:"jwt"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		select {
		case ps.tokens <- body.JWT:
		default:
		}
		handler(w, r)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *peerServer) Hits() int {
	return int(atomic.LoadInt32(&ps.hits))
}

type fixture struct {
	store     *storemem.Store
	source    *countingSource
	signer    *jws.Signer
	events    *recordingEvents
	collector *memory.MemoryCollector
	proc      *Processor
}

func newFixture(t *testing.T, peerURL string, timeout time.Duration) *fixture {
	t.Helper()

	signer, err := jws.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner failed: %v", err)
	}

	f := &fixture{
		store: storemem.New(),
		source: &countingSource{banks: []settlement.Bank{
			{Name: "Peer Bank", BankPrefix: "bf7", TransactionURL: peerURL, JWKSURL: peerURL + "/jwks"},
		}},
		signer:    signer,
		events:    &recordingEvents{},
		collector: memory.NewMemoryCollector(),
	}

	dir := directory.New(f.source)
	peers := NewHTTPPeerClient(HTTPPeerClientConfig{Timeout: timeout})
	f.proc = New(f.store, dir, signer, peers, Config{
		Interval: 10 * time.Millisecond,
		Workers:  2,
		Events:   f.events,
		Metrics:  f.collector,
	})
	return f
}

func pendingTx(id, accountTo string, created time.Time) *settlement.Transaction {
	return &settlement.Transaction{
		ID:          id,
		AccountFrom: "abc111",
		AccountTo:   accountTo,
		Amount:      500,
		Currency:    "EUR",
		Explanation: "rent",
		SenderName:  "John Smith",
		Status:      settlement.StatusPending,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func (f *fixture) get(t *testing.T, id string) *settlement.Transaction {
	t.Helper()
	tx, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return tx
}

func jsonHandler(status int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func TestProcessPending_CompletesWithReceiverName(t *testing.T) {
	peer := newPeerServer(t, jsonHandler(http.StatusOK, `{"receiverName":"Jane Doe"}`))
	f := newFixture(t, peer.URL, time.Second)
	f.store.Insert(pendingTx("t1", "bf7222", time.Now()))

	stats, err := f.proc.ProcessPending(context.Background())
	if err != nil {
		t.Fatalf("ProcessPending failed: %v", err)
	}
	if stats.Listed != 1 || stats.Outcomes[OutcomeCompleted] != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	tx := f.get(t, "t1")
	if tx.Status != settlement.StatusCompleted {
		t.Errorf("Expected Completed, got %s (%s)", tx.Status, tx.StatusDetails)
	}
	if tx.ReceiverName != "Jane Doe" {
		t.Errorf("Expected receiver Jane Doe, got %q", tx.ReceiverName)
	}
	if tx.StatusDetails != settlement.DetailsFinished {
		t.Errorf("Expected details %q, got %q", settlement.DetailsFinished, tx.StatusDetails)
	}

	// the peer received a token signed by this node carrying the transfer
	token := <-peer.tokens
	keys := f.signer.PublishedKeys()
	raw, err := jws.Verify(token, &keys)
	if err != nil {
		t.Fatalf("Peer received unverifiable token: %v", err)
	}
	payload, err := settlement.ParsePayload(raw)
	if err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload.AccountTo != "bf7222" || payload.Amount != 500 || payload.Currency != "EUR" {
		t.Errorf("Unexpected payload %+v", payload)
	}
	if payload.TransferID != "t1" {
		t.Errorf("Expected transfer id t1 in token, got %q", payload.TransferID)
	}

	if got := f.events.types(); len(got) != 1 || got[0] != events.TypeSettlementCompleted {
		t.Errorf("Expected one completed event, got %v", got)
	}
	snap := f.collector.Snapshot()
	if snap.Transitions["Pending->InProgress"] != 1 || snap.Transitions["InProgress->Completed"] != 1 {
		t.Errorf("Unexpected transitions %v", snap.Transitions)
	}
	if snap.Passes != 1 {
		t.Errorf("Expected 1 pass recorded, got %d", snap.Passes)
	}
}

func TestProcessPending_ExpiredFailsWithoutNetwork(t *testing.T) {
	peer := newPeerServer(t, jsonHandler(http.StatusOK, `{"receiverName":"Jane Doe"}`))
	f := newFixture(t, peer.URL, time.Second)
	f.store.Insert(pendingTx("old", "bf7222", time.Now().Add(-settlement.ExpiryWindow-time.Minute)))

	stats, _ := f.proc.ProcessPending(context.Background())
	if stats.Outcomes[OutcomeExpired] != 1 {
		t.Errorf("Expected one expired outcome, got %+v", stats.Outcomes)
	}

	tx := f.get(t, "old")
	if tx.Status != settlement.StatusFailed || tx.StatusDetails != settlement.DetailsExpired {
		t.Errorf("Expected Failed/Expired, got %s/%s", tx.Status, tx.StatusDetails)
	}
	if peer.Hits() != 0 {
		t.Errorf("Expected no peer calls, got %d", peer.Hits())
	}
	if n := atomic.LoadInt32(&f.source.calls); n != 0 {
		t.Errorf("Expected no registry calls, got %d", n)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != events.TypeSettlementFailed {
		t.Errorf("Expected one failed event, got %v", got)
	}
}

func TestProcessPending_UnknownDestination(t *testing.T) {
	peer := newPeerServer(t, jsonHandler(http.StatusOK, `{}`))
	f := newFixture(t, peer.URL, time.Second)
	f.store.Insert(pendingTx("t1", "zzz999", time.Now()))

	f.proc.ProcessPending(context.Background())

	tx := f.get(t, "t1")
	if tx.Status != settlement.StatusFailed || tx.StatusDetails != settlement.DetailsInvalidDestination {
		t.Errorf("Expected Failed/%q, got %s/%q", settlement.DetailsInvalidDestination, tx.Status, tx.StatusDetails)
	}
	if n := atomic.LoadInt32(&f.source.calls); n != 1 {
		t.Errorf("Expected exactly one refresh, got %d", n)
	}
	if peer.Hits() != 0 {
		t.Errorf("Expected no peer calls, got %d", peer.Hits())
	}
}

func TestProcessPending_RegistryUnreachableFails(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1", time.Second)
	f.source.err = &settlement.UpstreamError{Source: "central bank", StatusCode: 503, Body: "maintenance"}
	f.store.Insert(pendingTx("t1", "bf7222", time.Now()))

	f.proc.ProcessPending(context.Background())

	tx := f.get(t, "t1")
	if tx.Status != settlement.StatusFailed {
		t.Fatalf("Expected Failed, got %s", tx.Status)
	}
	if !strings.HasPrefix(tx.StatusDetails, settlement.DetailsRegistryFailed+": ") || !strings.Contains(tx.StatusDetails, "maintenance") {
		t.Errorf("Unexpected details %q", tx.StatusDetails)
	}
}

func TestProcessPending_TimeoutReturnsToPending(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)
	peer := newPeerServer(t, func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		jsonHandler(http.StatusOK, `{"receiverName":"Jane Doe"}`)(w, r)
	})
	f := newFixture(t, peer.URL, 50*time.Millisecond)
	f.store.Insert(pendingTx("t1", "bf7222", time.Now()))

	stats, _ := f.proc.ProcessPending(context.Background())
	if stats.Outcomes[OutcomeRetry] != 1 {
		t.Errorf("Expected a retry outcome, got %+v", stats.Outcomes)
	}

	tx := f.get(t, "t1")
	if tx.Status != settlement.StatusPending {
		t.Fatalf("Expected Pending after timeout, got %s", tx.Status)
	}
	if !strings.Contains(tx.StatusDetails, "timeout") {
		t.Errorf("Expected timeout in details, got %q", tx.StatusDetails)
	}

	// picked up again on the next pass
	slow.Store(false)
	f.proc.ProcessPending(context.Background())

	tx = f.get(t, "t1")
	if tx.Status != settlement.StatusCompleted || tx.ReceiverName != "Jane Doe" {
		t.Errorf("Expected Completed on retry, got %s/%q", tx.Status, tx.ReceiverName)
	}
	if peer.Hits() != 2 {
		t.Errorf("Expected 2 peer calls, got %d", peer.Hits())
	}
}

func TestProcessPending_PeerResponses(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantStatus   settlement.Status
		wantDetails  string
		wantReceiver string
	}{
		{"rejection", http.StatusBadRequest, `{"error":"Invalid signature"}`, settlement.StatusFailed, "Invalid signature", ""},
		{"error in success body", http.StatusOK, `{"error":"Account not found"}`, settlement.StatusFailed, "Account not found", ""},
		{"replay", http.StatusConflict, `{"error":"Transfer already settled","receiverName":"Jane Doe"}`, settlement.StatusCompleted, settlement.DetailsFinished, "Jane Doe"},
		{"server error", http.StatusBadGateway, `{"error":"rate feed down"}`, settlement.StatusPending, "rate feed down", ""},
		{"bare client error", http.StatusNotFound, `not json`, settlement.StatusPending, "status 404", ""},
		{"non-JSON success", http.StatusOK, `<html>gateway login page</html>`, settlement.StatusPending, "undecodable response", ""},
		{"empty success", http.StatusOK, ``, settlement.StatusPending, "undecodable response", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := newPeerServer(t, jsonHandler(tt.status, tt.body))
			f := newFixture(t, peer.URL, time.Second)
			f.store.Insert(pendingTx("t1", "bf7222", time.Now()))

			f.proc.ProcessPending(context.Background())

			tx := f.get(t, "t1")
			if tx.Status != tt.wantStatus {
				t.Errorf("Expected %s, got %s (%q)", tt.wantStatus, tx.Status, tx.StatusDetails)
			}
			if !strings.Contains(tx.StatusDetails, tt.wantDetails) {
				t.Errorf("Expected details containing %q, got %q", tt.wantDetails, tx.StatusDetails)
			}
			if tx.ReceiverName != tt.wantReceiver {
				t.Errorf("Expected receiver %q, got %q", tt.wantReceiver, tx.ReceiverName)
			}
		})
	}
}

func TestProcessPending_TerminalStatesUntouched(t *testing.T) {
	peer := newPeerServer(t, jsonHandler(http.StatusOK, `{"receiverName":"Someone Else"}`))
	f := newFixture(t, peer.URL, time.Second)

	done := pendingTx("done", "bf7222", time.Now())
	done.Status = settlement.StatusCompleted
	done.ReceiverName = "Jane Doe"
	failed := pendingTx("failed", "bf7222", time.Now().Add(-settlement.ExpiryWindow*2))
	failed.Status = settlement.StatusFailed
	failed.StatusDetails = "Invalid signature"
	f.store.Insert(done)
	f.store.Insert(failed)

	for i := 0; i < 3; i++ {
		f.proc.ProcessPending(context.Background())
	}

	if tx := f.get(t, "done"); tx.Status != settlement.StatusCompleted || tx.ReceiverName != "Jane Doe" {
		t.Errorf("Completed transaction changed: %+v", tx)
	}
	if tx := f.get(t, "failed"); tx.Status != settlement.StatusFailed || tx.StatusDetails != "Invalid signature" {
		t.Errorf("Failed transaction changed: %+v", tx)
	}
	if peer.Hits() != 0 {
		t.Errorf("Expected no peer calls, got %d", peer.Hits())
	}
}

func TestSettle_SkipsTransactionClaimedElsewhere(t *testing.T) {
	peer := newPeerServer(t, jsonHandler(http.StatusOK, `{"receiverName":"Jane Doe"}`))
	f := newFixture(t, peer.URL, time.Second)
	tx := pendingTx("t1", "bf7222", time.Now())
	f.store.Insert(tx)

	// another worker claims it after this one listed it
	if _, err := f.store.Transition(context.Background(), "t1", settlement.StatusPending, settlement.StatusInProgress, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	if outcome := f.proc.Settle(context.Background(), tx); outcome != OutcomeSkipped {
		t.Errorf("Expected skipped, got %s", outcome)
	}
	if peer.Hits() != 0 {
		t.Errorf("Expected no peer calls, got %d", peer.Hits())
	}
}

func TestProcessPending_ConcurrentPassesSettleOnce(t *testing.T) {
	peer := newPeerServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		jsonHandler(http.StatusOK, `{"receiverName":"Jane Doe"}`)(w, r)
	})
	f := newFixture(t, peer.URL, time.Second)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.store.Insert(pendingTx(id, "bf7222", time.Now()))
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.proc.ProcessPending(context.Background())
		}()
	}
	wg.Wait()

	if peer.Hits() != 5 {
		t.Errorf("Expected exactly one call per transaction, got %d", peer.Hits())
	}
	completed, _ := f.store.ListByStatus(context.Background(), settlement.StatusCompleted)
	if len(completed) != 5 {
		t.Errorf("Expected 5 completed, got %d", len(completed))
	}
}

func TestRun_RecoversAndStopsBetweenPasses(t *testing.T) {
	peer := newPeerServer(t, jsonHandler(http.StatusOK, `{"receiverName":"Jane Doe"}`))
	f := newFixture(t, peer.URL, time.Second)

	interrupted := pendingTx("t1", "bf7222", time.Now())
	interrupted.Status = settlement.StatusInProgress
	f.store.Insert(interrupted)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.proc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		tx := f.get(t, "t1")
		if tx.Status == settlement.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Transaction not settled, status %s (%s)", tx.Status, tx.StatusDetails)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	snap := f.collector.Snapshot()
	if snap.Transitions["InProgress->Pending"] != 1 {
		t.Errorf("Expected interrupted transaction to be recovered, got %v", snap.Transitions)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1", time.Second)
	f.store.Insert(pendingTx("t1", "bf7222", time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.proc.Run(ctx); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if tx := f.get(t, "t1"); tx.Status != settlement.StatusPending {
		t.Errorf("Expected untouched Pending, got %s", tx.Status)
	}
}

func TestHTTPPeerClient_DefaultTimeout(t *testing.T) {
	if DefaultPeerTimeout != 500*time.Millisecond {
		t.Errorf("Expected 500ms peer timeout, got %v", DefaultPeerTimeout)
	}
}

func TestHTTPPeerClient_TransportErrorIsUpstream(t *testing.T) {
	client := NewHTTPPeerClient(HTTPPeerClientConfig{Timeout: 100 * time.Millisecond})
	_, err := client.Send(context.Background(), settlement.Bank{BankPrefix: "bf7", TransactionURL: "http://127.0.0.1:1/b2b"}, "token")
	if !errors.Is(err, settlement.ErrUpstream) {
		t.Errorf("Expected ErrUpstream, got %v", err)
	}
}

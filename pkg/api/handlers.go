package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bank-settlement/pkg/inbound"
	"bank-settlement/pkg/settlement"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodySize = 64 * 1024

// createTransactionRequest is the body of POST /transactions.
type createTransactionRequest struct {
	AccountFrom string      `json:"accountFrom"`
	AccountTo   string      `json:"accountTo"`
	Amount      json.Number `json:"amount"`
	Explanation string      `json:"explanation"`
}

// amount checks the request shape and returns the parsed amount.
func (req createTransactionRequest) amount() (int64, error) {
	for _, f := range []struct{ name, value string }{
		{"accountFrom", req.AccountFrom},
		{"accountTo", req.AccountTo},
		{"amount", req.Amount.String()},
		{"explanation", req.Explanation},
	} {
		if f.value == "" {
			return 0, &settlement.FieldError{Field: f.name, Missing: true}
		}
	}

	amount, err := req.Amount.Int64()
	if err != nil {
		return 0, &settlement.FieldError{Field: "amount", Expected: "integer", Got: req.Amount.String()}
	}
	return amount, nil
}

// authenticate resolves the Bearer session token of r to a user id.
func (s *Server) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: Missing Authorization header", settlement.ErrAuth)
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: Invalid Authorization header format", settlement.ErrValidation)
	}

	return s.deps.Store.UserForToken(r.Context(), strings.TrimSpace(token))
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createTransactionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: request body: %v", settlement.ErrValidation, err))
		return
	}
	amount, err := req.amount()
	if err != nil {
		writeError(w, err)
		return
	}

	from, err := s.deps.Store.FindByNumber(ctx, req.AccountFrom)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			err = fmt.Errorf("nonexistent accountFrom: %w", settlement.ErrNotFound)
		}
		writeError(w, err)
		return
	}
	if from.OwnerID != userID {
		writeError(w, fmt.Errorf("%w: accountFrom belongs to another user", settlement.ErrForbidden))
		return
	}
	if amount <= 0 {
		writeError(w, fmt.Errorf("%w: Invalid amount", settlement.ErrValidation))
		return
	}
	if from.Balance < amount {
		writeError(w, settlement.ErrInsufficientFunds)
		return
	}

	details, err := s.destinationDetails(r, req.AccountTo)
	if err != nil {
		writeError(w, err)
		return
	}

	now := s.deps.Now().UTC()
	tx := &settlement.Transaction{
		ID:            uuid.NewString(),
		AccountFrom:   from.Number,
		AccountTo:     req.AccountTo,
		Amount:        amount,
		Currency:      from.Currency,
		Explanation:   req.Explanation,
		SenderName:    from.OwnerName,
		Status:        settlement.StatusPending,
		StatusDetails: details,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deps.Store.CreateOutbound(ctx, tx); err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info("transaction created",
		zap.String("transaction_id", tx.ID),
		zap.String("account_to", tx.AccountTo),
		zap.Int64("amount", tx.Amount),
		zap.String("currency", tx.Currency),
	)
	writeJSON(w, http.StatusCreated, map[string]string{"id": tx.ID})
}

// destinationDetails checks that the destination bank exists. An unreachable
// registry does not block creation; the failure is kept as status details.
func (s *Server) destinationDetails(r *http.Request, accountTo string) (string, error) {
	prefix, err := settlement.RoutingPrefix(accountTo)
	if err != nil {
		return "", err
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	_, err = s.deps.Banks.Resolve(ctx, prefix)
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, settlement.ErrNotFound):
		return "", fmt.Errorf("destination bank not found: %w", settlement.ErrNotFound)
	default:
		s.logger.Warn("central bank unreachable", zap.Error(err))
		return fmt.Sprintf("%s: %v", settlement.DetailsRegistryFailed, err), nil
	}
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	tx, err := s.deps.Store.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	from, err := s.deps.Store.FindByNumber(ctx, tx.AccountFrom)
	if err != nil || from.OwnerID != userID {
		writeError(w, fmt.Errorf("%w: transaction belongs to another user", settlement.ErrForbidden))
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleB2B(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	var body struct {
		JWT string `json:"jwt"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: request body: %v", settlement.ErrMalformed, err))
		return
	}
	if body.JWT == "" {
		writeError(w, fmt.Errorf("%w: missing jwt", settlement.ErrMalformed))
		return
	}

	res, err := s.deps.Inbound.Settle(ctx, body.JWT)
	if err != nil {
		var replay *inbound.ReplayError
		if errors.As(err, &replay) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":        replay.Error(),
				"receiverName": replay.ReceiverName,
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"receiverName": res.ReceiverName})
}

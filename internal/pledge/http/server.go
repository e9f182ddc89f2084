package pledgehttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
	"github.com/shopspring/decimal"

	"crowdfundBack/internal/models"
	"crowdfundBack/internal/pledge/broker"
	"crowdfundBack/internal/pledge/repo"
	"crowdfundBack/internal/pledge/settlement"
	"crowdfundBack/utils"
)

const (
	maxBodyBytes   = 1 << 20
	webhookTimeout = 30 * time.Second
)

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Service is the settlement surface the handlers drive.
type Service interface {
	InitiatePledge(ctx context.Context, req settlement.PledgeRequest) (settlement.Initiated, error)
	FinalizePledge(ctx context.Context, externalOrderID, callerID string) (settlement.Receipt, error)
	History(ctx context.Context, userID string) ([]models.BackedProject, error)
	Funding(ctx context.Context, projectID string) (models.Project, error)
}

type WebhookStore interface {
	Save(ctx context.Context, ev repo.WebhookEvent) error
	MarkProcessed(ctx context.Context, eventID string) error
	MarkError(ctx context.Context, eventID string, cause error) error
}

type Server struct {
	logger        Logger
	svc           Service
	webhooks      WebhookStore
	viewers       http.Handler
	webhookSecret string
}

// NewServer constructs Server. viewers serves the project websocket stream and
// may be nil.
func NewServer(logger Logger, svc Service, webhooks WebhookStore, viewers http.Handler, webhookSecret string) *Server {
	return &Server{
		logger:        logger,
		svc:           svc,
		webhooks:      webhooks,
		viewers:       viewers,
		webhookSecret: webhookSecret,
	}
}

// RegisterRoutes mounts the payment endpoints. authed must put the caller id
// into the request context with utils.WithUserID.
func (s *Server) RegisterRoutes(mux *pat.PatternServeMux, public, authed alice.Chain) {
	mux.Post("/api/payments/create-order", authed.ThenFunc(s.handleCreateOrder))
	mux.Post("/api/payments/capture-order", authed.ThenFunc(s.handleCaptureOrder))
	mux.Get("/api/payments/history", authed.ThenFunc(s.handleHistory))
	mux.Post("/api/payments/webhook", public.ThenFunc(s.handleWebhook))
	mux.Get("/api/projects/:id/funding", public.ThenFunc(s.handleFunding))
	if s.viewers != nil {
		mux.Get("/ws/projects", s.viewers)
	}
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := utils.UserIDFromContext(r.Context())

	var req struct {
		ProjectID string          `json:"projectId"`
		Amount    decimal.Decimal `json:"amount"`
		RewardID  string          `json:"rewardId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "Invalid request body"})
		return
	}

	res, err := s.svc.InitiatePledge(r.Context(), settlement.PledgeRequest{
		ProjectID: strings.TrimSpace(req.ProjectID),
		PayerID:   userID,
		Amount:    req.Amount,
		RewardID:  strings.TrimSpace(req.RewardID),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"orderId":    res.OrderID,
		"approveUrl": res.ApproveURL,
	})
}

func (s *Server) handleCaptureOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.UserIDFromContext(r.Context())
	if !ok {
		s.writeError(w, settlement.ErrUnauthorized)
		return
	}

	var req struct {
		OrderID string `json:"orderId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "Invalid request body"})
		return
	}

	receipt, err := s.svc.FinalizePledge(r.Context(), strings.TrimSpace(req.OrderID), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, captureResponse{
		Message:        "Payment successful",
		CaptureID:      receipt.CaptureID,
		Amount:         receipt.Amount,
		Currency:       receipt.Currency,
		ProjectID:      receipt.ProjectID,
		CurrentAmount:  receipt.CurrentAmount,
		Funded:         receipt.Funded,
		AlreadySettled: receipt.AlreadySettled,
	})
}

type captureResponse struct {
	Message        string          `json:"message"`
	CaptureID      string          `json:"captureId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ProjectID      string          `json:"projectId"`
	CurrentAmount  decimal.Decimal `json:"currentAmount"`
	Funded         bool            `json:"funded"`
	AlreadySettled bool            `json:"alreadySettled"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := utils.UserIDFromContext(r.Context())
	history, err := s.svc.History(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backedProjects": history})
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.URL.Query().Get(":id"))
	p, err := s.svc.Funding(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	backers := p.Backers
	if backers == nil {
		backers = []models.Backer{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"projectId":     p.ID,
		"currentAmount": p.CurrentAmount,
		"targetAmount":  p.TargetAmount,
		"status":        p.Status,
		"backers":       backers,
	})
}

// handleWebhook finalizes orders on processor notifications. Deliveries that
// can succeed later get a 5xx so the processor retries them.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid body"})
		return
	}
	signature := r.Header.Get(broker.SignatureHeader)
	if !broker.VerifySignature(body, signature, s.webhookSecret) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Message: "invalid signature", Kind: string(settlement.KindUnauthorized)})
		return
	}
	ev, err := broker.ParseWebhook(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid event"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), webhookTimeout)
	defer cancel()

	err = s.webhooks.Save(ctx, repo.WebhookEvent{
		EventID:   ev.ID,
		EventType: ev.EventType,
		OrderID:   ev.OrderID,
		Signature: signature,
		Payload:   body,
	})
	if errors.Is(err, repo.ErrDuplicateEvent) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	if err != nil {
		s.logger.Errorf("webhook %s: save: %v", ev.ID, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "Internal error", Kind: string(settlement.KindPersistenceFailure)})
		return
	}

	if ev.EventType != broker.EventOrderApproved && ev.EventType != broker.EventCaptureComplete {
		s.markProcessed(ctx, ev.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	receipt, err := s.svc.FinalizePledge(ctx, ev.OrderID, "")
	if err != nil {
		if markErr := s.webhooks.MarkError(ctx, ev.ID, err); markErr != nil {
			s.logger.Errorf("webhook %s: mark error: %v", ev.ID, markErr)
		}
		if retryable(settlement.KindOf(err)) {
			s.logger.Errorf("webhook %s: order %s: %v", ev.ID, ev.OrderID, err)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Message: messageFor(settlement.KindOf(err)), Kind: string(settlement.KindOf(err))})
			return
		}
		s.logger.Infof("webhook %s: order %s rejected: %v", ev.ID, ev.OrderID, err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "kind": string(settlement.KindOf(err))})
		return
	}

	s.markProcessed(ctx, ev.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"captureId":      receipt.CaptureID,
		"alreadySettled": receipt.AlreadySettled,
	})
}

func (s *Server) markProcessed(ctx context.Context, eventID string) {
	if err := s.webhooks.MarkProcessed(ctx, eventID); err != nil {
		s.logger.Errorf("webhook %s: mark processed: %v", eventID, err)
	}
}

func retryable(kind settlement.Kind) bool {
	switch kind {
	case settlement.KindBrokerUnavailable, settlement.KindSettlementPending, settlement.KindPersistenceFailure:
		return true
	}
	return false
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

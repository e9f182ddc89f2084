package pledgehttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"crowdfundBack/internal/pledge/settlement"
)

type errorBody struct {
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
	CaptureID string `json:"captureId,omitempty"`
}

// StatusFor maps a settlement error kind to its HTTP status.
func StatusFor(kind settlement.Kind) int {
	switch kind {
	case settlement.KindInvalidAmount, settlement.KindInvalidReward, settlement.KindContextMismatch:
		return http.StatusBadRequest
	case settlement.KindUnauthorized:
		return http.StatusUnauthorized
	case settlement.KindForbidden:
		return http.StatusForbidden
	case settlement.KindProjectNotFound, settlement.KindOrderNotFound:
		return http.StatusNotFound
	case settlement.KindProjectNotFundable:
		return http.StatusConflict
	case settlement.KindPaymentNotCompleted:
		return http.StatusUnprocessableEntity
	case settlement.KindBrokerUnavailable:
		return http.StatusBadGateway
	case settlement.KindSettlementPending:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// Messages are generic; causes stay in the logs.
func messageFor(kind settlement.Kind) string {
	switch kind {
	case settlement.KindInvalidAmount:
		return "Invalid pledge amount"
	case settlement.KindInvalidReward:
		return "Invalid reward for this pledge"
	case settlement.KindContextMismatch:
		return "Order does not match the pledge"
	case settlement.KindUnauthorized:
		return "Authentication required"
	case settlement.KindForbidden:
		return "Order belongs to another user"
	case settlement.KindProjectNotFound:
		return "Project not found"
	case settlement.KindOrderNotFound:
		return "Order not found"
	case settlement.KindProjectNotFundable:
		return "Project is not accepting pledges"
	case settlement.KindPaymentNotCompleted:
		return "Payment was not completed"
	case settlement.KindBrokerUnavailable:
		return "Payment processor unavailable"
	case settlement.KindSettlementPending:
		return "Payment received, pledge is being recorded"
	default:
		return "Internal error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := settlement.KindOf(err)
	status := StatusFor(kind)
	body := errorBody{Message: messageFor(kind), Kind: string(kind)}

	var serr *settlement.Error
	if errors.As(err, &serr) {
		body.CaptureID = serr.CaptureID
	}
	if status >= http.StatusInternalServerError || kind == settlement.KindSettlementPending {
		s.logger.Errorf("pledge request failed: %v", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

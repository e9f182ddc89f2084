package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Broker-Signature"

const (
	EventOrderApproved   = "CHECKOUT.ORDER.APPROVED"
	EventCaptureComplete = "PAYMENT.CAPTURE.COMPLETED"
)

// VerifySignature validates a signature using HMAC-SHA256.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	sigBytes, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, sigBytes)
}

// Sign returns the hex signature VerifySignature expects.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type WebhookEvent struct {
	ID        string
	EventType string
	// OrderID is the processor order the event refers to.
	OrderID string
	Raw     json.RawMessage
}

// ParseWebhook decodes an event envelope and resolves the order id. Order
// events carry it as the resource id, capture events in the related ids.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var env struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		Resource  struct {
			ID                string `json:"id"`
			SupplementaryData struct {
				RelatedIDs struct {
					OrderID string `json:"order_id"`
				} `json:"related_ids"`
			} `json:"supplementary_data"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.EventType) == "" {
		return WebhookEvent{}, fmt.Errorf("decode webhook: id and event_type are required")
	}

	ev := WebhookEvent{ID: env.ID, EventType: env.EventType, Raw: json.RawMessage(body)}
	switch env.EventType {
	case EventCaptureComplete:
		ev.OrderID = env.Resource.SupplementaryData.RelatedIDs.OrderID
	default:
		ev.OrderID = env.Resource.ID
	}
	return ev, nil
}

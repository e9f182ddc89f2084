package broker

import (
	"encoding/json"
	"fmt"
)

const (
	ContextVersion = 1
	// MaxContextLen is the processor limit for the reference field.
	MaxContextLen = 256
)

// Context is the settlement context round-tripped through the processor.
type Context struct {
	Version   int    `json:"v"`
	PendingID string `json:"order"`
	ProjectID string `json:"project"`
	RewardID  string `json:"reward,omitempty"`
	PayerID   string `json:"payer"`
}

func EncodeContext(c Context) (string, error) {
	if c.PendingID == "" || c.ProjectID == "" || c.PayerID == "" {
		return "", fmt.Errorf("%w: order, project and payer are required", ErrInvalidContext)
	}
	c.Version = ContextVersion
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	if len(b) > MaxContextLen {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidContext, len(b), MaxContextLen)
	}
	return string(b), nil
}

func DecodeContext(s string) (Context, error) {
	if s == "" {
		return Context{}, fmt.Errorf("%w: empty", ErrInvalidContext)
	}
	if len(s) > MaxContextLen {
		return Context{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidContext, len(s), MaxContextLen)
	}
	var c Context
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Context{}, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	if c.Version != ContextVersion {
		return Context{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidContext, c.Version)
	}
	if c.PendingID == "" || c.ProjectID == "" || c.PayerID == "" {
		return Context{}, fmt.Errorf("%w: missing fields", ErrInvalidContext)
	}
	return c, nil
}

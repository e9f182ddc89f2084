package models

import (
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/shopspring/decimal"
)

type User struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Email          string          `json:"email,omitempty"`
	BackedProjects []BackedProject `json:"backedProjects,omitempty"`
	Version        int64           `json:"-"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      *time.Time      `json:"updatedAt,omitempty"`
}

type BackedProject struct {
	ProjectID string          `json:"project"`
	Amount    decimal.Decimal `json:"amount"`
	Date      time.Time       `json:"date"`
	OrderID   string          `json:"orderId,omitempty"`
}

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.StandardClaims
}

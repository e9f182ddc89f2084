package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProjectStatus string

const (
	ProjectStatusDraft   ProjectStatus = "draft"
	ProjectStatusActive  ProjectStatus = "active"
	ProjectStatusFunded  ProjectStatus = "funded"
	ProjectStatusExpired ProjectStatus = "expired"
)

type Project struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	CreatorID     string          `json:"creatorId"`
	TargetAmount  decimal.Decimal `json:"targetAmount"`
	CurrentAmount decimal.Decimal `json:"currentAmount"`
	Status        ProjectStatus   `json:"status"`
	Deadline      time.Time       `json:"deadline"`
	Backers       []Backer        `json:"backers,omitempty"`
	Rewards       []Reward        `json:"rewards,omitempty"`
	Version       int64           `json:"-"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type Backer struct {
	UserID  string          `json:"user"`
	Amount  decimal.Decimal `json:"amount"`
	Date    time.Time       `json:"date"`
	OrderID string          `json:"orderId,omitempty"`
}

type Reward struct {
	ID     string          `json:"id"`
	Title  string          `json:"title"`
	Amount decimal.Decimal `json:"amount"`
}

// IsFunded reports whether the collected amount reached the target.
func (p Project) IsFunded() bool {
	return p.CurrentAmount.GreaterThanOrEqual(p.TargetAmount)
}

// IsExpired reports whether the deadline has passed at now. A zero deadline never expires.
func (p Project) IsExpired(now time.Time) bool {
	return !p.Deadline.IsZero() && now.After(p.Deadline)
}

func (p Project) Reward(id string) (Reward, bool) {
	for _, r := range p.Rewards {
		if r.ID == id {
			return r, true
		}
	}
	return Reward{}, false
}

// BackersTotal sums the recorded backer amounts.
func (p Project) BackersTotal() decimal.Decimal {
	total := decimal.Zero
	for _, b := range p.Backers {
		total = total.Add(b.Amount)
	}
	return total
}

package settlement

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crowdfundBack/internal/models"
	"crowdfundBack/internal/pledge/fsm"
	"crowdfundBack/internal/pledge/repo"
	"crowdfundBack/internal/repositories"
)

// memStore is an in-memory ledger. Its ApplySettlement reads and writes the
// project total in two steps, so concurrent applies on one project lose
// updates unless the caller serializes them.
type memStore struct {
	mu       sync.Mutex
	projects map[string]*models.Project
	orders   map[string]*repo.PendingOrder
	byExt    map[string]string
	history  map[string][]models.BackedProject
	users    map[string]bool
	applyErr error
}

func newMemStore(projects ...models.Project) *memStore {
	m := &memStore{
		projects: map[string]*models.Project{},
		orders:   map[string]*repo.PendingOrder{},
		byExt:    map[string]string{},
		history:  map[string][]models.BackedProject{},
		users:    map[string]bool{"u1": true, "u2": true},
	}
	for i := range projects {
		p := projects[i]
		m.projects[p.ID] = &p
	}
	return m
}

func (m *memStore) project(id string) models.Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *m.projects[id]
	p.Backers = append([]models.Backer(nil), p.Backers...)
	return p
}

func (m *memStore) order(id string) repo.PendingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[id]
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// seedOrder stores an order as if InitiatePledge had run.
func (m *memStore) seedOrder(projectID, payerID, ext string, amount decimal.Decimal, createdAt time.Time) repo.PendingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	po := &repo.PendingOrder{
		ID:              uuid.NewString(),
		ExternalOrderID: ext,
		ProjectID:       projectID,
		PayerID:         payerID,
		Amount:          amount,
		Currency:        "USD",
		State:           fsm.StateCreated,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	m.orders[po.ID] = po
	m.byExt[ext] = po.ID
	return *po
}

func (m *memStore) GetProject(_ context.Context, id string) (models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return models.Project{}, repositories.ErrNotFound
	}
	return *p, nil
}

func (m *memStore) SaveProject(_ context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.projects[p.ID]
	if !ok || cur.Version != p.Version {
		return repositories.ErrVersionConflict
	}
	cur.Title, cur.Status, cur.Deadline = p.Title, p.Status, p.Deadline
	cur.Version++
	p.Version = cur.Version
	return nil
}

func (m *memStore) ListExpiredActive(_ context.Context, now time.Time) ([]models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Project
	for _, p := range m.projects {
		if p.Status == models.ProjectStatusActive && p.IsExpired(now) && !p.IsFunded() {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) GetUser(_ context.Context, id string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.users[id] {
		return models.User{}, repositories.ErrNotFound
	}
	return models.User{ID: id, BackedProjects: append([]models.BackedProject{}, m.history[id]...)}, nil
}

func (m *memStore) ListBackedProjects(_ context.Context, userID string) ([]models.BackedProject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.BackedProject{}, m.history[userID]...), nil
}

func (m *memStore) Create(_ context.Context, o *repo.PendingOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.State = fsm.StateCreated
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memStore) AttachExternalID(_ context.Context, id, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.ExternalOrderID != "" || o.State != fsm.StateCreated {
		return repo.ErrStateConflict
	}
	o.ExternalOrderID = externalID
	m.byExt[externalID] = id
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (repo.PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return repo.PendingOrder{}, repo.ErrNotFound
	}
	return *o, nil
}

func (m *memStore) GetByExternalID(ctx context.Context, externalID string) (repo.PendingOrder, error) {
	m.mu.Lock()
	id, ok := m.byExt[externalID]
	m.mu.Unlock()
	if !ok {
		return repo.PendingOrder{}, repo.ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *memStore) MarkCaptured(_ context.Context, id, captureID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.State == fsm.StateCaptured || !fsm.CanTransition(o.State, fsm.StateCaptured) {
		return repo.ErrStateConflict
	}
	now := time.Now()
	o.State, o.CaptureID, o.CapturedAmount, o.CapturedAt = fsm.StateCaptured, captureID, amount, &now
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || (o.State != fsm.StateCreated && o.State != fsm.StateFailed) {
		return repo.ErrStateConflict
	}
	o.State, o.FailureReason = fsm.StateFailed, reason
	return nil
}

func (m *memStore) MarkMismatched(_ context.Context, id, captureID string, amount decimal.Decimal, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.State == fsm.StateMismatched || !fsm.CanTransition(o.State, fsm.StateMismatched) {
		return repo.ErrStateConflict
	}
	now := time.Now()
	o.State, o.CaptureID, o.CapturedAmount, o.FailureReason, o.CapturedAt = fsm.StateMismatched, captureID, amount, reason, &now
	return nil
}

func (m *memStore) ExpireStale(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, o := range m.orders {
		if o.State == fsm.StateCreated && o.CreatedAt.Before(before) {
			o.State = fsm.StateExpired
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListCapturedBefore(_ context.Context, before time.Time, limit int) ([]repo.PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.PendingOrder
	for _, o := range m.orders {
		if o.State == fsm.StateCaptured && o.CapturedAt != nil && o.CapturedAt.Before(before) && len(out) < limit {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) ListMismatched(_ context.Context, limit int) ([]repo.PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.PendingOrder
	for _, o := range m.orders {
		if o.State == fsm.StateMismatched && len(out) < limit {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) ApplySettlement(_ context.Context, pendingID string, at time.Time) (repo.SettlementResult, error) {
	m.mu.Lock()
	if m.applyErr != nil {
		err := m.applyErr
		m.mu.Unlock()
		return repo.SettlementResult{}, err
	}
	o, ok := m.orders[pendingID]
	if !ok {
		m.mu.Unlock()
		return repo.SettlementResult{}, repo.ErrNotFound
	}
	p := m.projects[o.ProjectID]
	res := repo.SettlementResult{
		PendingID: o.ID,
		ProjectID: o.ProjectID,
		PayerID:   o.PayerID,
		CaptureID: o.CaptureID,
		Amount:    o.CapturedAmount,
	}
	if o.State == fsm.StateSettled {
		res.CurrentAmount, res.TargetAmount, res.Status = p.CurrentAmount, p.TargetAmount, p.Status
		res.AlreadySettled = true
		m.mu.Unlock()
		return res, nil
	}
	if o.State != fsm.StateCaptured {
		m.mu.Unlock()
		return repo.SettlementResult{}, fmt.Errorf("%w: %s", repo.ErrStateConflict, o.State)
	}
	current := p.CurrentAmount
	m.mu.Unlock()

	runtime.Gosched()

	m.mu.Lock()
	defer m.mu.Unlock()
	p.CurrentAmount = current.Add(o.CapturedAmount)
	p.Backers = append(p.Backers, models.Backer{UserID: o.PayerID, Amount: o.CapturedAmount, Date: at, OrderID: o.ID})
	if p.CurrentAmount.GreaterThanOrEqual(p.TargetAmount) && fsm.CanTransitionProject(p.Status, models.ProjectStatusFunded) && p.Status != models.ProjectStatusFunded {
		p.Status = models.ProjectStatusFunded
		res.BecameFunded = true
	}
	p.Version++
	m.history[o.PayerID] = append(m.history[o.PayerID], models.BackedProject{ProjectID: p.ID, Amount: o.CapturedAmount, Date: at, OrderID: o.ID})
	o.State = fsm.StateSettled
	res.CurrentAmount, res.TargetAmount, res.Status, res.SettledAt = p.CurrentAmount, p.TargetAmount, p.Status, at
	return res, nil
}

func (m *memStore) ListTotalsDrift(context.Context) ([]repo.Drift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.Drift
	for _, p := range m.projects {
		if total := p.BackersTotal(); !total.Equal(p.CurrentAmount) {
			out = append(out, repo.Drift{ProjectID: p.ID, CurrentAmount: p.CurrentAmount, BackersTotal: total})
		}
	}
	return out, nil
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Infof(format string, args ...interface{}) { l.add("INFO " + fmt.Sprintf(format, args...)) }

func (l *recordingLogger) Errorf(format string, args ...interface{}) {
	l.add("ERROR " + fmt.Sprintf(format, args...))
}

func (l *recordingLogger) add(s string) {
	l.mu.Lock()
	l.lines = append(l.lines, s)
	l.mu.Unlock()
}

func (l *recordingLogger) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}

type recordingPublisher struct {
	events chan SettledEvent
}

func (p *recordingPublisher) PublishSettled(_ context.Context, ev SettledEvent) error {
	p.events <- ev
	return nil
}

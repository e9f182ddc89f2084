package settlement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crowdfundBack/internal/models"
	"crowdfundBack/internal/pledge/broker"
	"crowdfundBack/internal/pledge/fsm"
	"crowdfundBack/internal/pledge/lock"
	"crowdfundBack/internal/pledge/repo"
	"crowdfundBack/internal/repositories"
)

//go:generate mockgen -destination=broker_mock_test.go -package=settlement crowdfundBack/internal/pledge/settlement Broker

// Broker is the payment processor boundary.
type Broker interface {
	CreateOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error)
	CaptureOrder(ctx context.Context, externalOrderID string) (broker.CaptureResult, error)
	Currency() string
}

type ProjectStore interface {
	GetProject(ctx context.Context, id string) (models.Project, error)
	SaveProject(ctx context.Context, p *models.Project) error
	ListExpiredActive(ctx context.Context, now time.Time) ([]models.Project, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	ListBackedProjects(ctx context.Context, userID string) ([]models.BackedProject, error)
}

type PendingOrders interface {
	Create(ctx context.Context, o *repo.PendingOrder) error
	AttachExternalID(ctx context.Context, id, externalID string) error
	Get(ctx context.Context, id string) (repo.PendingOrder, error)
	GetByExternalID(ctx context.Context, externalID string) (repo.PendingOrder, error)
	MarkCaptured(ctx context.Context, id, captureID string, amount decimal.Decimal) error
	MarkFailed(ctx context.Context, id, reason string) error
	MarkMismatched(ctx context.Context, id, captureID string, amount decimal.Decimal, reason string) error
	ExpireStale(ctx context.Context, before time.Time) (int64, error)
	ListCapturedBefore(ctx context.Context, before time.Time, limit int) ([]repo.PendingOrder, error)
	ListMismatched(ctx context.Context, limit int) ([]repo.PendingOrder, error)
}

type Ledger interface {
	ApplySettlement(ctx context.Context, pendingID string, at time.Time) (repo.SettlementResult, error)
	ListTotalsDrift(ctx context.Context) ([]repo.Drift, error)
}

// Publisher receives settled pledges after the ledger committed them.
type Publisher interface {
	PublishSettled(ctx context.Context, ev SettledEvent) error
}

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type SettledEvent struct {
	ProjectID     string
	PayerID       string
	PendingID     string
	CaptureID     string
	Amount        decimal.Decimal
	CurrentAmount decimal.Decimal
	TargetAmount  decimal.Decimal
	Status        models.ProjectStatus
	BecameFunded  bool
	At            time.Time
}

type PledgeRequest struct {
	ProjectID string
	PayerID   string
	Amount    decimal.Decimal
	RewardID  string
}

type Initiated struct {
	OrderID    string
	ApproveURL string
	PendingID  string
}

type Receipt struct {
	CaptureID      string
	Amount         decimal.Decimal
	Currency       string
	ProjectID      string
	CurrentAmount  decimal.Decimal
	Funded         bool
	AlreadySettled bool
}

type Deps struct {
	Projects   ProjectStore
	Users      UserStore
	Orders     PendingOrders
	Ledger     Ledger
	Broker     Broker
	Locker     lock.Locker
	Publishers []Publisher
	Logger     Logger
	Config     Config
	Now        func() time.Time
}

// Service is the only writer of project funding totals and user contribution history.
type Service struct {
	projects   ProjectStore
	users      UserStore
	orders     PendingOrders
	ledger     Ledger
	broker     Broker
	locker     lock.Locker
	publishers []Publisher
	log        Logger
	cfg        Config
	now        func() time.Time

	inflight sync.WaitGroup
}

func NewService(d Deps) *Service {
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	locker := d.Locker
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Service{
		projects:   d.Projects,
		users:      d.Users,
		orders:     d.Orders,
		ledger:     d.Ledger,
		broker:     d.Broker,
		locker:     locker,
		publishers: d.Publishers,
		log:        d.Logger,
		cfg:        d.Config.WithDefaults(),
		now:        now,
	}
}

// Wait blocks until in-flight event publishing finishes.
func (s *Service) Wait() { s.inflight.Wait() }

// InitiatePledge validates the pledge, records a pending order and opens the
// matching order at the processor. The ledger is not touched.
func (s *Service) InitiatePledge(ctx context.Context, req PledgeRequest) (Initiated, error) {
	const op = "InitiatePledge"

	if !req.Amount.IsPositive() {
		return Initiated{}, fail(op, KindInvalidAmount, "amount %s must be positive", req.Amount)
	}
	currency := s.broker.Currency()
	if places := broker.MinorUnits(currency); !req.Amount.Equal(req.Amount.Truncate(places)) {
		return Initiated{}, fail(op, KindInvalidAmount, "amount %s has more than %d decimal places for %s", req.Amount, places, currency)
	}
	if s.cfg.MinAmount.IsPositive() && req.Amount.LessThan(s.cfg.MinAmount) {
		return Initiated{}, fail(op, KindInvalidAmount, "amount %s below minimum %s", req.Amount, s.cfg.MinAmount)
	}
	if s.cfg.MaxAmount.IsPositive() && req.Amount.GreaterThan(s.cfg.MaxAmount) {
		return Initiated{}, fail(op, KindInvalidAmount, "amount %s above maximum %s", req.Amount, s.cfg.MaxAmount)
	}
	if req.PayerID == "" {
		return Initiated{}, fail(op, KindUnauthorized, "payer is required")
	}
	if _, err := s.users.GetUser(ctx, req.PayerID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return Initiated{}, fail(op, KindUnauthorized, "payer %s is not registered", req.PayerID)
		}
		return Initiated{}, wrap(op, KindPersistenceFailure, err)
	}

	project, err := s.projects.GetProject(ctx, req.ProjectID)
	if errors.Is(err, repositories.ErrNotFound) {
		return Initiated{}, fail(op, KindProjectNotFound, "project %s", req.ProjectID)
	}
	if err != nil {
		return Initiated{}, wrap(op, KindPersistenceFailure, err)
	}
	if project.Status != models.ProjectStatusActive {
		return Initiated{}, fail(op, KindProjectNotFundable, "project %s is %s", project.ID, project.Status)
	}
	if project.IsExpired(s.now()) {
		return Initiated{}, fail(op, KindProjectNotFundable, "project %s deadline passed", project.ID)
	}
	if req.RewardID != "" {
		reward, ok := project.Reward(req.RewardID)
		if !ok {
			return Initiated{}, fail(op, KindInvalidReward, "reward %s does not belong to project %s", req.RewardID, project.ID)
		}
		if req.Amount.LessThan(reward.Amount) {
			return Initiated{}, fail(op, KindInvalidReward, "amount %s below reward minimum %s", req.Amount, reward.Amount)
		}
	}

	po := &repo.PendingOrder{
		ProjectID: project.ID,
		RewardID:  req.RewardID,
		PayerID:   req.PayerID,
		Amount:    req.Amount,
		Currency:  currency,
	}
	if err := s.orders.Create(ctx, po); err != nil {
		return Initiated{}, wrap(op, KindPersistenceFailure, err)
	}

	order, err := s.broker.CreateOrder(ctx, broker.OrderRequest{
		PendingID:    po.ID,
		ProjectID:    project.ID,
		ProjectTitle: project.Title,
		RewardID:     req.RewardID,
		PayerID:      req.PayerID,
		Amount:       req.Amount,
	})
	if err != nil {
		if mErr := s.orders.MarkFailed(ctx, po.ID, err.Error()); mErr != nil {
			s.log.Errorf("pledge: mark order %s failed: %v", po.ID, mErr)
		}
		if errors.Is(err, broker.ErrInvalidAmount) {
			return Initiated{}, wrap(op, KindInvalidAmount, err)
		}
		return Initiated{}, wrap(op, KindBrokerUnavailable, err)
	}

	if err := s.orders.AttachExternalID(ctx, po.ID, order.ID); err != nil {
		s.log.Errorf("pledge: attach external order %s to %s: %v", order.ID, po.ID, err)
		return Initiated{}, wrap(op, KindPersistenceFailure, err)
	}

	s.log.Infof("pledge: order %s created for project %s payer %s amount %s", order.ID, project.ID, req.PayerID, req.Amount)
	return Initiated{OrderID: order.ID, ApproveURL: order.ApproveURL, PendingID: po.ID}, nil
}

// FinalizePledge captures an approved order and applies it to the ledger
// exactly once. callerID is empty for processor webhooks. Finalizing an
// order that is already settled returns its receipt with AlreadySettled set.
func (s *Service) FinalizePledge(ctx context.Context, externalOrderID, callerID string) (Receipt, error) {
	const op = "FinalizePledge"

	if strings.TrimSpace(externalOrderID) == "" {
		return Receipt{}, fail(op, KindOrderNotFound, "order id is required")
	}
	po, err := s.orders.GetByExternalID(ctx, externalOrderID)
	if errors.Is(err, repo.ErrNotFound) {
		return Receipt{}, fail(op, KindOrderNotFound, "order %s", externalOrderID)
	}
	if err != nil {
		return Receipt{}, wrap(op, KindPersistenceFailure, err)
	}
	if callerID != "" && callerID != po.PayerID {
		return Receipt{}, fail(op, KindForbidden, "order %s belongs to another payer", externalOrderID)
	}

	switch po.State {
	case fsm.StateSettled:
		return s.apply(ctx, op, po)
	case fsm.StateCaptured:
		s.log.Infof("pledge: resuming captured order %s", po.ID)
		return s.apply(ctx, op, po)
	case fsm.StateMismatched:
		return Receipt{}, &Error{Kind: KindContextMismatch, Op: op, Err: errors.New(po.FailureReason), CaptureID: po.CaptureID}
	}

	res, err := s.broker.CaptureOrder(ctx, externalOrderID)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			return Receipt{}, wrap(op, KindOrderNotFound, err)
		}
		if errors.Is(err, broker.ErrRejected) {
			if mErr := s.orders.MarkFailed(ctx, po.ID, err.Error()); mErr != nil && !errors.Is(mErr, repo.ErrStateConflict) {
				s.log.Errorf("pledge: mark order %s failed: %v", po.ID, mErr)
			}
			return Receipt{}, wrap(op, KindPaymentNotCompleted, err)
		}
		return Receipt{}, wrap(op, KindBrokerUnavailable, err)
	}

	if res.Status != broker.CaptureCompleted {
		reason := res.Reason
		if reason == "" {
			reason = string(res.Status)
		}
		if err := s.orders.MarkFailed(ctx, po.ID, reason); err != nil && !errors.Is(err, repo.ErrStateConflict) {
			s.log.Errorf("pledge: mark order %s failed: %v", po.ID, err)
		}
		return Receipt{}, fail(op, KindPaymentNotCompleted, "order %s: %s", externalOrderID, reason)
	}

	if err := verifyCapture(po, res); err != nil {
		s.log.Errorf("pledge: reconciliation candidate: capture %s for order %s does not match: %v", res.CaptureID, po.ID, err)
		if mErr := s.orders.MarkMismatched(ctx, po.ID, res.CaptureID, res.Amount, err.Error()); mErr != nil {
			s.log.Errorf("pledge: record mismatched capture %s on order %s: %v", res.CaptureID, po.ID, mErr)
		}
		return Receipt{}, &Error{Kind: KindContextMismatch, Op: op, Err: err, CaptureID: res.CaptureID}
	}
	if !res.Amount.Equal(po.Amount) {
		s.log.Infof("pledge: order %s captured %s, requested %s", po.ID, res.Amount, po.Amount)
	}

	if err := s.orders.MarkCaptured(ctx, po.ID, res.CaptureID, res.Amount); err != nil {
		if !errors.Is(err, repo.ErrStateConflict) {
			s.log.Errorf("pledge: reconciliation candidate: order %s captured as %s but not recorded: %v", po.ID, res.CaptureID, err)
			return Receipt{}, &Error{Kind: KindSettlementPending, Op: op, Err: err, CaptureID: res.CaptureID}
		}
		// another finalize got there first; continue from its state
		if po, err = s.orders.Get(ctx, po.ID); err != nil {
			return Receipt{}, &Error{Kind: KindSettlementPending, Op: op, Err: err, CaptureID: res.CaptureID}
		}
	} else {
		po.State = fsm.StateCaptured
		po.CaptureID = res.CaptureID
		po.CapturedAmount = res.Amount
	}
	return s.apply(ctx, op, po)
}

func verifyCapture(po repo.PendingOrder, res broker.CaptureResult) error {
	c := res.Context
	switch {
	case c.Version != broker.ContextVersion:
		return errors.New("order context missing or unsupported")
	case c.PendingID != po.ID:
		return errors.New("order context belongs to another pledge")
	case c.ProjectID != po.ProjectID || c.PayerID != po.PayerID || c.RewardID != po.RewardID:
		return errors.New("order context differs from pledge")
	case !strings.EqualFold(res.Currency, po.Currency):
		return errors.New("capture currency differs from pledge")
	case !res.Amount.IsPositive():
		return errors.New("capture amount is not positive")
	}
	return nil
}

// apply runs the ledger transaction under the project lock. A failure after
// the processor captured the money is reported as SettlementPending.
func (s *Service) apply(ctx context.Context, op string, po repo.PendingOrder) (Receipt, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	unlock, err := s.locker.Lock(lockCtx, "project:"+po.ProjectID)
	cancel()
	if err != nil {
		s.log.Errorf("pledge: reconciliation candidate: order %s capture %s: %v", po.ID, po.CaptureID, err)
		return Receipt{}, &Error{Kind: KindSettlementPending, Op: op, Err: err, CaptureID: po.CaptureID}
	}
	defer unlock()

	res, err := s.ledger.ApplySettlement(ctx, po.ID, s.now())
	if err != nil {
		s.log.Errorf("pledge: reconciliation candidate: order %s capture %s project %s: %v", po.ID, po.CaptureID, po.ProjectID, err)
		return Receipt{}, &Error{Kind: KindSettlementPending, Op: op, Err: err, CaptureID: po.CaptureID}
	}

	if !res.AlreadySettled {
		s.log.Infof("pledge: order %s settled, project %s at %s/%s", po.ID, res.ProjectID, res.CurrentAmount, res.TargetAmount)
		s.publish(SettledEvent{
			ProjectID:     res.ProjectID,
			PayerID:       res.PayerID,
			PendingID:     res.PendingID,
			CaptureID:     res.CaptureID,
			Amount:        res.Amount,
			CurrentAmount: res.CurrentAmount,
			TargetAmount:  res.TargetAmount,
			Status:        res.Status,
			BecameFunded:  res.BecameFunded,
			At:            res.SettledAt,
		})
	}

	return Receipt{
		CaptureID:      res.CaptureID,
		Amount:         res.Amount,
		Currency:       po.Currency,
		ProjectID:      res.ProjectID,
		CurrentAmount:  res.CurrentAmount,
		Funded:         res.Status == models.ProjectStatusFunded,
		AlreadySettled: res.AlreadySettled,
	}, nil
}

func (s *Service) publish(ev SettledEvent) {
	if len(s.publishers) == 0 {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		defer cancel()
		for _, p := range s.publishers {
			if err := p.PublishSettled(ctx, ev); err != nil {
				s.log.Errorf("pledge: publish settled event for project %s: %v", ev.ProjectID, err)
			}
		}
	}()
}

// History returns the caller's contributions in settlement order.
func (s *Service) History(ctx context.Context, userID string) ([]models.BackedProject, error) {
	const op = "History"
	if userID == "" {
		return nil, fail(op, KindUnauthorized, "user is required")
	}
	h, err := s.users.ListBackedProjects(ctx, userID)
	if err != nil {
		return nil, wrap(op, KindPersistenceFailure, err)
	}
	return h, nil
}

// Funding returns the project with its backers.
func (s *Service) Funding(ctx context.Context, projectID string) (models.Project, error) {
	const op = "Funding"
	p, err := s.projects.GetProject(ctx, projectID)
	if errors.Is(err, repositories.ErrNotFound) {
		return models.Project{}, fail(op, KindProjectNotFound, "project %s", projectID)
	}
	if err != nil {
		return models.Project{}, wrap(op, KindPersistenceFailure, err)
	}
	return p, nil
}

package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crowdfundBack/internal/models"
	"crowdfundBack/internal/pledge/fsm"
	"crowdfundBack/internal/pledge/repo"
	"crowdfundBack/internal/repositories"
)

const (
	reapplyBatch       = 100
	saveProjectRetries = 3
)

// Report summarizes one reconciliation pass.
type Report struct {
	RanAt           time.Time    `json:"ranAt"`
	ExpiredOrders   int64        `json:"expiredOrders"`
	Reapplied       []string     `json:"reapplied,omitempty"`
	ReapplyFailed   []string     `json:"reapplyFailed,omitempty"`
	Mismatched      []string     `json:"mismatched,omitempty"`
	ExpiredProjects []string     `json:"expiredProjects,omitempty"`
	Drift           []repo.Drift `json:"drift,omitempty"`
	Errors          []string     `json:"errors,omitempty"`
}

// Empty reports whether the pass found nothing to do.
func (r Report) Empty() bool {
	return r.ExpiredOrders == 0 && len(r.Reapplied) == 0 && len(r.ReapplyFailed) == 0 &&
		len(r.Mismatched) == 0 && len(r.ExpiredProjects) == 0 && len(r.Drift) == 0 && len(r.Errors) == 0
}

// Reconcile is the out-of-band repair pass: it expires abandoned orders,
// re-applies captured orders that never reached the ledger, lists captures
// held back as mismatched, expires projects
// past their deadline and audits project totals against backer rows. Every
// step runs even when an earlier one fails; the joined error lists them all.
func (s *Service) Reconcile(ctx context.Context, now time.Time) (Report, error) {
	rep := Report{RanAt: now}
	var errs []error
	note := func(step string, err error) {
		err = fmt.Errorf("%s: %w", step, err)
		errs = append(errs, err)
		rep.Errors = append(rep.Errors, err.Error())
	}

	n, err := s.orders.ExpireStale(ctx, now.Add(-s.cfg.OrderTTL))
	if err != nil {
		note("expire orders", err)
	}
	rep.ExpiredOrders = n

	captured, err := s.orders.ListCapturedBefore(ctx, now.Add(-s.cfg.CapturedGrace), reapplyBatch)
	if err != nil {
		note("list captured orders", err)
	}
	for _, po := range captured {
		if _, err := s.apply(ctx, "Reconcile", po); err != nil {
			rep.ReapplyFailed = append(rep.ReapplyFailed, po.ID)
			continue
		}
		rep.Reapplied = append(rep.Reapplied, po.ID)
	}

	mismatched, err := s.orders.ListMismatched(ctx, reapplyBatch)
	if err != nil {
		note("list mismatched orders", err)
	}
	for _, po := range mismatched {
		rep.Mismatched = append(rep.Mismatched, po.ID)
	}

	projects, err := s.projects.ListExpiredActive(ctx, now)
	if err != nil {
		note("list expired projects", err)
	}
	for _, p := range projects {
		expired, err := s.expireProject(ctx, p, now)
		if err != nil {
			note("expire project "+p.ID, err)
			continue
		}
		if expired {
			rep.ExpiredProjects = append(rep.ExpiredProjects, p.ID)
		}
	}

	drift, err := s.ledger.ListTotalsDrift(ctx)
	if err != nil {
		note("audit totals", err)
	}
	rep.Drift = drift
	for _, d := range drift {
		s.log.Errorf("pledge: project %s total %s differs from backers %s", d.ProjectID, d.CurrentAmount, d.BackersTotal)
	}

	return rep, errors.Join(errs...)
}

// expireProject flips an active project past its deadline to expired. A
// concurrent settlement bumps the version, so the project is re-read and
// re-checked before retrying.
func (s *Service) expireProject(ctx context.Context, p models.Project, now time.Time) (bool, error) {
	for attempt := 0; attempt < saveProjectRetries; attempt++ {
		if p.Status != models.ProjectStatusActive || p.IsFunded() || !p.IsExpired(now) {
			return false, nil
		}
		if !fsm.CanTransitionProject(p.Status, models.ProjectStatusExpired) {
			return false, nil
		}
		p.Status = models.ProjectStatusExpired
		err := s.projects.SaveProject(ctx, &p)
		if err == nil {
			s.log.Infof("pledge: project %s expired at %s/%s", p.ID, p.CurrentAmount, p.TargetAmount)
			return true, nil
		}
		if !errors.Is(err, repositories.ErrVersionConflict) {
			return false, err
		}
		if p, err = s.projects.GetProject(ctx, p.ID); err != nil {
			return false, err
		}
	}
	return false, repositories.ErrVersionConflict
}

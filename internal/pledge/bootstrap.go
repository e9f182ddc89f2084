package pledge

import (
	"context"
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"crowdfundBack/internal/pledge/broker"
	pledgehttp "crowdfundBack/internal/pledge/http"
	"crowdfundBack/internal/pledge/lock"
	"crowdfundBack/internal/pledge/notify"
	"crowdfundBack/internal/pledge/reconcile"
	"crowdfundBack/internal/pledge/repo"
	"crowdfundBack/internal/pledge/settlement"
	"crowdfundBack/internal/pledge/ws"
	"crowdfundBack/internal/repositories"
)

type moduleState struct {
	projects *repositories.ProjectRepository
	users    *repositories.UserRepository
	orders   *repo.PendingOrdersRepo
	ledger   *repo.LedgerRepo
	webhooks *repo.WebhooksRepo
	broker   *broker.Client
	hub      *ws.ProjectHub
	service  *settlement.Service
	server   *pledgehttp.Server
	worker   *reconcile.Worker
}

func ensureModule(deps *PledgeDeps) (*moduleState, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.module != nil {
		return deps.module, nil
	}

	brokerCfg := deps.Config.Broker
	brokerCfg.Client = deps.HTTPClient
	brokerCfg.Logger = deps.SLog
	brokerClient, err := broker.NewClient(brokerCfg)
	if err != nil {
		return nil, err
	}

	projects := repositories.NewProjectRepository(deps.DB, deps.Driver)
	users := repositories.NewUserRepository(deps.DB, deps.Driver)
	orders := repo.NewPendingOrdersRepo(deps.DB, deps.Driver)
	ledger := repo.NewLedgerRepo(deps.DB, deps.Driver)
	webhooks := repo.NewWebhooksRepo(deps.DB, deps.Driver)

	var locker lock.Locker = lock.NewLocalLocker()
	if deps.RDB != nil {
		locker = lock.NewRedisLocker(deps.RDB, deps.Config.LockTTL)
	} else {
		deps.Logger.Infof("pledge: redis not configured, using in-process project locks")
	}

	hub := ws.NewProjectHub(deps.Logger)
	publishers := []settlement.Publisher{hub}
	if deps.Config.FirebaseCreds != "" {
		fcm, err := notify.NewFCMFromCredentials(context.Background(), deps.Config.FirebaseCreds, deps.Logger)
		if err != nil {
			deps.Logger.Errorf("pledge: push notifications disabled: %v", err)
		} else {
			publishers = append(publishers, fcm)
		}
	}

	service := settlement.NewService(settlement.Deps{
		Projects:   projects,
		Users:      users,
		Orders:     orders,
		Ledger:     ledger,
		Broker:     brokerClient,
		Locker:     locker,
		Publishers: publishers,
		Logger:     deps.Logger,
		Config:     deps.Config.Settlement,
	})

	sinks := []reconcile.ReportSink{reconcile.LogSink{Logger: deps.Logger}}
	if deps.Config.S3.Bucket != "" {
		s3Sink, err := reconcile.NewS3Sink(deps.Config.S3)
		if err != nil {
			deps.Logger.Errorf("pledge: reconcile report export disabled: %v", err)
		} else {
			sinks = append(sinks, s3Sink)
		}
	}

	deps.module = &moduleState{
		projects: projects,
		users:    users,
		orders:   orders,
		ledger:   ledger,
		webhooks: webhooks,
		broker:   brokerClient,
		hub:      hub,
		service:  service,
		server:   pledgehttp.NewServer(deps.Logger, service, webhooks, http.HandlerFunc(hub.ServeWS), deps.Config.WebhookSecret),
		worker:   reconcile.NewWorker(service, deps.Config.ReconcileInterval, deps.Logger, sinks...),
	}
	return deps.module, nil
}

// RegisterPledgeRoutes wires HTTP and WebSocket routes into the provided mux.
func RegisterPledgeRoutes(mux *pat.PatternServeMux, public, authed alice.Chain, deps *PledgeDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	module.server.RegisterRoutes(mux, public, authed)
	return nil
}

// StartPledgeWorkers launches the reconciliation worker.
func StartPledgeWorkers(ctx context.Context, deps *PledgeDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	module.worker.Start(ctx)
	return nil
}

// DrainPledge waits for in-flight settled event delivery. Call it after the
// HTTP server stopped accepting requests.
func DrainPledge(deps *PledgeDeps) {
	if deps.module != nil {
		deps.module.service.Wait()
	}
}

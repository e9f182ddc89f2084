package pledge

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"crowdfundBack/internal/repositories"
)

// Logger provides minimal logging required by the pledge module.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// PledgeDeps groups external dependencies needed by the pledge module.
type PledgeDeps struct {
	DB     *sql.DB
	Driver string
	// RDB is optional; without it project locks are process-local.
	RDB        redis.UniversalClient
	Logger     Logger
	SLog       *slog.Logger
	Config     PledgeConfig
	HTTPClient *http.Client
	module     *moduleState
}

// Validate ensures required dependencies are provided.
func (d *PledgeDeps) Validate() error {
	if d.DB == nil {
		return errors.New("pledge deps: DB is required")
	}
	if d.Logger == nil {
		return errors.New("pledge deps: Logger is required")
	}
	switch d.Driver {
	case "":
		d.Driver = repositories.DriverMySQL
	case repositories.DriverMySQL, repositories.DriverPostgres:
	default:
		return errors.New("pledge deps: unsupported driver " + d.Driver)
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: d.Config.BrokerTimeout}
	}
	if d.SLog == nil {
		d.SLog = slog.Default()
	}
	return nil
}

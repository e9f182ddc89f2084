package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"crowdfundBack/internal/pledge"
	"crowdfundBack/utils"
)

type application struct {
	errorLog   *log.Logger
	infoLog    *log.Logger
	db         *sql.DB
	tokens     *utils.Manager
	pledgeDeps *pledge.PledgeDeps
}

type appOptions struct {
	db        *sql.DB
	driver    string
	rdb       *redis.Client
	jwtSecret string
	pledge    pledge.PledgeConfig
	infoLog   *log.Logger
	errorLog  *log.Logger
	slog      *slog.Logger
}

func initializeApp(o appOptions) (*application, error) {
	tokens, err := utils.NewManager(o.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}

	deps := &pledge.PledgeDeps{
		DB:     o.db,
		Driver: o.driver,
		Logger: newLogger(o.infoLog, o.errorLog),
		SLog:   o.slog,
		Config: o.pledge,
	}
	if o.rdb != nil {
		deps.RDB = o.rdb
	}

	return &application{
		errorLog:   o.errorLog,
		infoLog:    o.infoLog,
		db:         o.db,
		tokens:     tokens,
		pledgeDeps: deps,
	}, nil
}

func openDB(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Printf("Failed to open DB: %v", err)
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		log.Printf("Failed to ping DB: %v", err)
		_ = db.Close()
		return nil, err
	}
	db.SetMaxIdleConns(35)
	db.SetConnMaxLifetime(30 * time.Minute)
	log.Println("Successfully connected to database")
	return db, nil
}

// openRedis returns nil when no URL is configured.
func openRedis(url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

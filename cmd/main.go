package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"crowdfundBack/internal/config"
	"crowdfundBack/internal/pledge"
)

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	configPath := flag.String("config", "", "path to config.yaml")
	addr := flag.String("addr", "", "HTTP network address")
	flag.Parse()

	infoLog := log.New(os.Stdout, "INFO\t", log.Ldate|log.Ltime)
	errorLog := log.New(os.Stderr, "ERROR\t", log.Ldate|log.Ltime|log.Lshortfile)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		errorLog.Fatal(err)
	}
	if *addr == "" {
		*addr = cfg.Server.Address
	}

	db, err := openDB(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		errorLog.Fatal(err)
	}
	defer db.Close()

	rdb, err := openRedis(cfg.Redis.URL)
	if err != nil {
		errorLog.Fatal(err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	pledgeCfg, err := pledge.NewPledgeConfig(cfg)
	if err != nil {
		errorLog.Fatal(err)
	}

	app, err := initializeApp(appOptions{
		db:        db,
		driver:    cfg.Database.Driver,
		rdb:       rdb,
		jwtSecret: cfg.Auth.JWTSecret,
		pledge:    pledgeCfg,
		infoLog:   infoLog,
		errorLog:  errorLog,
		slog:      slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	})
	if err != nil {
		errorLog.Fatal(err)
	}

	handler, err := app.routes()
	if err != nil {
		errorLog.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pledge.StartPledgeWorkers(ctx, app.pledgeDeps); err != nil {
		errorLog.Fatal(err)
	}

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowCredentials: true,
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
	})

	srv := &http.Server{
		Addr:         *addr,
		ErrorLog:     errorLog,
		Handler:      c.Handler(handler),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		infoLog.Printf("Starting server on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Fatal(err)
		}
	}()

	<-ctx.Done()
	infoLog.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errorLog.Printf("shutdown: %v", err)
	}
	pledge.DrainPledge(app.pledgeDeps)
}

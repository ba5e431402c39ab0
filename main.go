package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cfg "github.com/example/meterd/internal/config"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"
)

type App struct {
	DB             DB
	Verifier       IdentityVerifier
	Issuer         CredentialIssuer
	AllowedOrigins []string
	rateLimiter    *RateLimiter
}

// route binds one endpoint to its handler and required gates. The
// table below is the complete, statically declared route surface;
// nothing is discovered or attached dynamically.
type route struct {
	method  string
	path    string
	handler http.HandlerFunc
	// ownedCollection, when set, wires the ownership gate for that
	// collection. Must name a table in ownedTables and the path must
	// carry an {id} parameter.
	ownedCollection string
}

func (a *App) routes() []route {
	return []route{
		{method: "POST", path: "/auth/google-callback", handler: a.HandleGoogleCallback},
		{method: "POST", path: "/auth/google/verify-token", handler: a.HandleVerifyToken},
		{method: "GET", path: "/auth/status", handler: a.HandleAuthStatus},
		{method: "POST", path: "/auth/logout", handler: a.HandleLogout},

		{method: "GET", path: "/user", handler: a.HandleGetUser},

		{method: "POST", path: "/readings", handler: a.HandleCreateReading},
		{method: "GET", path: "/readings", handler: a.HandleListReadings},
		{method: "PATCH", path: "/readings/{id}", handler: a.HandleUpdateReading, ownedCollection: "readings"},
		{method: "DELETE", path: "/readings/{id}", handler: a.HandleDeleteReading, ownedCollection: "readings"},
	}
}

// Router assembles the middleware stack and route table. Invalid
// gate wiring (unknown collection, ownership without an {id} param)
// fails here, at startup, not per request.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(RequestID)
	r.Use(a.Logging)
	r.Use(Instrument)
	r.Use(a.CORS)
	r.Use(a.Authenticate)

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := a.DB.(interface{ ping() bool }); ok {
			if !p.ping() {
				w.WriteHeader(503)
				w.Write([]byte(`{"ready":false}`))
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ready":true}`))
	}).Methods("GET")

	for _, rt := range a.routes() {
		var h http.Handler = rt.handler
		if rt.ownedCollection != "" {
			if !strings.Contains(rt.path, "{id}") {
				panic(fmt.Sprintf("ownership gate on %s %s without {id} parameter", rt.method, rt.path))
			}
			h = a.RequireOwnership(rt.ownedCollection)(h)
		}
		if rt.method == "POST" && strings.HasPrefix(rt.path, "/auth/") {
			h = a.RateLimit(h)
		}
		r.Handle(rt.path, h).Methods(rt.method)
	}

	return r
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var db DB
	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteDB(c.SQLiteFile)
		if err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		db = s
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			log.Fatalf("postgres config error: %v", err)
		}

		log.Println("Applying database migrations...")
		if err := ApplyMigrations("./migrations", dsn); err != nil {
			log.Fatalf("migrations: %v", err)
		}

		p, err := NewPostgresDB(dsn)
		if err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		db = p
		log.Println("Connected to PostgreSQL database")
	case "memory":
		log.Println("Using in-memory database (not recommended for production)")
		db = NewMemoryDB()
	default:
		log.Fatalf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	var issuer CredentialIssuer
	switch c.AuthMode {
	case "session":
		issuer = NewSessionIssuer(db, time.Duration(c.SessionTTLHours)*time.Hour, c.IsProduction())
	default:
		issuer = NewTokenIssuer([]byte(c.JwtSecret))
	}

	app := &App{
		DB: db,
		Verifier: NewGoogleVerifier(GoogleVerifierConfig{
			ClientID:     c.GoogleClientID,
			ClientSecret: c.GoogleClientSecret,
		}),
		Issuer:         issuer,
		AllowedOrigins: c.AllowedOrigins,
	}

	srv := &http.Server{
		Handler:      app.Router(),
		Addr:         ":" + c.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		fmt.Println("Starting server on", c.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed:%+v", err)
	}
	fmt.Println("Server exited properly")
}

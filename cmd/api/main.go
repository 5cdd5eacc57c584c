package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"idplane.org/internal/audit"
	"idplane.org/internal/auth"
	"idplane.org/internal/httpapi"
	"idplane.org/internal/obs"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("IDPLANE_COMMIT"))

	dsn := os.Getenv("IDPLANE_PG_DSN")
	if dsn == "" {
		log.Fatal("IDPLANE_PG_DSN is required")
	}
	secret := os.Getenv("IDPLANE_JWT_SECRET")
	if secret == "" {
		log.Fatal("IDPLANE_JWT_SECRET is required")
	}

	store, err := auth.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	issuer, err := auth.NewJWTIssuer(secret, "idplane")
	if err != nil {
		log.Fatalf("jwt issuer: %v", err)
	}
	engine, err := auth.NewEngine(store)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	verifier := auth.BcryptVerifier{}
	sessions, err := auth.NewSessionManager(store, verifier, issuer, engine)
	if err != nil {
		log.Fatalf("sessions: %v", err)
	}
	users, err := auth.NewUserService(store, verifier)
	if err != nil {
		log.Fatalf("users: %v", err)
	}
	tenants, err := auth.NewTenantService(store)
	if err != nil {
		log.Fatalf("tenants: %v", err)
	}
	roles, err := auth.NewRoleService(store)
	if err != nil {
		log.Fatalf("roles: %v", err)
	}
	grants, err := auth.NewGrantService(store)
	if err != nil {
		log.Fatalf("grants: %v", err)
	}
	recorder, err := audit.NewRecorder(audit.NewPGStore(store.DB()))
	if err != nil {
		log.Fatalf("audit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if os.Getenv("IDPLANE_BOOTSTRAP") == "1" {
		cfg := auth.BootstrapConfig{
			AdminEmail:    os.Getenv("IDPLANE_ADMIN_EMAIL"),
			AdminPassword: os.Getenv("IDPLANE_ADMIN_PASSWORD"),
		}
		if err := auth.Bootstrap(ctx, store, cfg); err != nil {
			log.Fatalf("bootstrap: %v", err)
		}
		log.Println("bootstrap complete")
	}

	// Background sweep: drop sessions whose refresh tokens lapsed long ago.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := sessions.PurgeExpired(ctx, 30*24*time.Hour); err != nil {
					obs.LogJSON(map[string]any{"level": "error", "msg": "session sweep failed", "error": err.Error()})
				} else if n > 0 {
					obs.LogJSON(map[string]any{"level": "info", "msg": "session sweep", "deleted": n})
				}
			}
		}
	}()

	api := httpapi.New(httpapi.Services{
		Sessions: sessions,
		Users:    users,
		Tenants:  tenants,
		Roles:    roles,
		Grants:   grants,
		Engine:   engine,
		Issuer:   issuer,
		Audit:    recorder,
	}, httpapi.ReadyProbe{DB: store.DB()}, version)

	addr := os.Getenv("IDPLANE_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting idplane-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

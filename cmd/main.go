package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tuitionpay/internal/clients"
	"tuitionpay/internal/config"
	"tuitionpay/internal/gateway"
	"tuitionpay/internal/repository"
	"tuitionpay/internal/service"
	"tuitionpay/internal/transport/auth"
	"tuitionpay/internal/transport/rest"
	"tuitionpay/internal/transport/websocket"
	"tuitionpay/pkg/database/postgres"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found, using system env or defaults")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := config.Load()

	db := mustInitPostgres(cfg.Postgres, log)
	defer postgres.Close(db)

	redisClient := mustInitRedis(cfg.Redis, log)
	defer redisClient.Close()

	// Voucher artifacts and generated reports get separate stores: artifacts
	// are the audit trail behind approved and rejected vouchers and must
	// outlive any retention window, reports are disposable.
	artifactStorage, err := clients.NewLocalStorage(cfg.Storage.BaseDir, cfg.Storage.PublicPrefix, cfg.Storage.BaseURL)
	if err != nil {
		log.Fatalf("storage init error: %v", err)
	}
	reportStorage, err := clients.NewLocalStorage(cfg.Storage.ReportsDir, "/reports", cfg.Storage.BaseURL)
	if err != nil {
		log.Fatalf("report storage init error: %v", err)
	}

	var s3Client *clients.S3Client
	if cfg.S3Enabled {
		s3Client, err = clients.NewS3Client(ctx, clients.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Bucket:          cfg.S3.Bucket,
			UseSSL:          cfg.S3.UseSSL,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
		})
		if err != nil {
			log.Fatalf("s3 init error: %v", err)
		}
	}

	wsHub := websocket.NewHub()
	go wsHub.Run(ctx)
	wsClient := clients.NewWebSocketClient(wsHub)

	installmentRepo := repository.NewInstallmentRepository(db)
	voucherRepo := repository.NewVoucherRepository(db)
	chargeRepo := repository.NewChargeRepository(db)
	methodRepo := repository.NewPaymentMethodRepository(db)
	recordRepo := repository.NewPaymentRecordRepository(db)
	tokenRepo := repository.NewPersonalAccessTokenRepository(db)

	gw := gateway.NewHTTPGateway(gateway.HTTPConfig{
		BaseURL:   cfg.Gateway.BaseURL,
		SecretKey: cfg.Gateway.SecretKey,
		Timeout:   cfg.Gateway.Timeout,
	})

	ledgerSvc := service.NewLedgerService(installmentRepo, service.LateFeeConfig{
		Mode:        cfg.LateFee.Mode,
		Amount:      cfg.LateFee.Amount,
		Rate:        cfg.LateFee.Rate,
		GracePeriod: time.Duration(cfg.LateFee.GraceDays) * 24 * time.Hour,
	}, log)

	voucherSvc := service.NewVoucherService(voucherRepo, installmentRepo, ledgerSvc, wsClient, log)
	chargeSvc := service.NewChargeService(chargeRepo, methodRepo, installmentRepo, ledgerSvc, gw, wsClient, log)

	challengeSvc := service.NewChallengeOrchestrator(redisClient, cfg.ChallengeTTL, log)
	challengeSvc.SetCompleter(chargeSvc)
	chargeSvc.SetChallengeStarter(challengeSvc)

	exportSvc := service.NewExportService(recordRepo, redisClient, reportStorage, s3Client, wsClient, log)

	var artifactSaver rest.ArtifactSaver = artifactStorage
	if cfg.S3Enabled {
		artifactSaver = clients.NewS3ArtifactStore(s3Client)
	}

	sanctumMiddleware := auth.SanctumMiddleware(tokenRepo)

	handler := rest.NewHandler(
		voucherSvc,
		voucherRepo,
		chargeSvc,
		chargeRepo,
		challengeSvc,
		installmentRepo,
		ledgerSvc,
		recordRepo,
		exportSvc,
		artifactSaver,
	)
	router := handler.InitRouterWithAuth(sanctumMiddleware)

	// public root router; artifact downloads stay outside auth so receipt
	// links keep working in email clients
	root := chi.NewRouter()

	root.Get("/artifacts/{file}", serveStoredFile(artifactStorage.BaseDir))
	root.Get("/reports/{file}", serveStoredFile(reportStorage.BaseDir))

	// websocket endpoint; browsers cannot set headers on upgrade requests, so
	// the token arrives as a query parameter
	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		pat, err := tokenRepo.FindTokenByPlainToken(r.Context(), token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if pat.ExpiresAt != nil && pat.ExpiresAt.Before(time.Now()) {
			http.Error(w, "Token expired", http.StatusUnauthorized)
			return
		}

		log.WithField("user_id", pat.UserID).Info("websocket connected")
		wsHub.HandleWebSocket(w, r, pat.UserID)
	})

	root.Mount("/", router)

	corsHandler := withCORS(root)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      corsHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- err
			return
		}
		srvErr <- nil
	}()

	// background maintenance: challenge expiry backstop and report cleanup
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() {
		challengeSvc.SweepExpired(ctx)
	}); err != nil {
		log.Fatalf("cron setup error: %v", err)
	}
	// retention applies to generated reports only, never to voucher artifacts
	if _, err := c.AddFunc("@every 1h", func() {
		retain := time.Duration(cfg.Storage.RetainDays) * 24 * time.Hour
		if err := reportStorage.CleanupOlderThan(retain); err != nil {
			log.WithError(err).Warn("report cleanup failed")
		}
	}); err != nil {
		log.Fatalf("cron setup error: %v", err)
	}
	c.Start()
	defer c.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-srvErr:
		if err != nil {
			log.Fatalf("HTTP server error: %v", err)
		}
	case sig := <-stop:
		log.Infof("shutdown signal received: %v", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("HTTP server shutdown error")
		}

		cancel()

		postgres.Close(db)
		redisClient.Close()

		log.Info("shutdown complete")
	}
}

func mustInitPostgres(cfg config.PostgresConfig, log *logrus.Logger) *sql.DB {
	db, err := postgres.NewPostgresConnection(postgres.ConnectionInfo{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		DBName:   cfg.DBName,
		SSLMode:  cfg.SSLMode,
		Password: cfg.Password,

		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		log.Fatalf("postgres init error: %v", err)
	}
	return db
}

func mustInitRedis(cfg config.RedisConfig, log *logrus.Logger) *clients.RedisClient {
	client, err := clients.NewRedisClient(clients.RedisConfig{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: time.Duration(cfg.DialTimeout) * time.Second,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		Prefix:      cfg.Prefix,
	})
	if err != nil {
		log.Fatalf("redis init error: %v", err)
	}
	return client
}

func serveStoredFile(baseDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file := chi.URLParam(r, "file")
		path := filepath.Join(baseDir, filepath.Base(file))
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "failed to access file", http.StatusInternalServerError)
			return
		}

		// original filename goes in Content-Disposition, random prefix stripped
		orig := file
		if idx := strings.IndexByte(file, '_'); idx >= 0 {
			orig = file[idx+1:]
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", orig))

		http.ServeFile(w, r, path)
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")

			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

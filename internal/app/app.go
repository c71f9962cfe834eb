package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gpulease/internal/admission"
	"github.com/router-for-me/gpulease/internal/alert"
	"github.com/router-for-me/gpulease/internal/billing"
	"github.com/router-for-me/gpulease/internal/capacity"
	"github.com/router-for-me/gpulease/internal/catalog"
	"github.com/router-for-me/gpulease/internal/config"
	"github.com/router-for-me/gpulease/internal/credit"
	"github.com/router-for-me/gpulease/internal/db"
	"github.com/router-for-me/gpulease/internal/estimator"
	internalhttp "github.com/router-for-me/gpulease/internal/http/api/admin"
	"github.com/router-for-me/gpulease/internal/http/api/front"
	"github.com/router-for-me/gpulease/internal/metrics"
	"github.com/router-for-me/gpulease/internal/ratelimit"
	"github.com/router-for-me/gpulease/internal/security"
	internalsettings "github.com/router-for-me/gpulease/internal/settings"
	"github.com/router-for-me/gpulease/internal/sweep"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrMissingJWTSecret indicates the server cannot sign or verify bearer tokens.
var ErrMissingJWTSecret = errors.New("missing jwt secret (set `jwt.secret` in config file or JWT_SECRET)")

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 15 * time.Second

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	log.Infof("migrations applied with config=%s", configPath)
	return nil
}

// IssueAdminToken signs an admin bearer token with the configured JWT secret.
func IssueAdminToken(cfg config.AppConfig, expiry time.Duration) (string, error) {
	jwtCfg, err := config.LoadJWTConfig(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(jwtCfg.Secret) == "" {
		return "", ErrMissingJWTSecret
	}
	if expiry <= 0 {
		expiry = jwtCfg.Expiry
	}
	return security.IssueToken(jwtCfg.Secret, 0, true, expiry, time.Now().UTC())
}

// services groups the scheduler components shared by the HTTP API and the sweeper.
type services struct {
	capacity   *capacity.Ledger
	credits    *credit.Ledger
	admission  *admission.Controller
	reconciler *billing.Reconciler
	catalog    *catalog.Catalog
	limiter    *ratelimit.Manager
	sink       alert.Sink
	stripe     config.StripeConfig
}

// buildServices wires the scheduler components from the config file.
func buildServices(conn *gorm.DB, configPath string) (*services, error) {
	schedulerCfg, err := config.LoadSchedulerConfig(configPath)
	if err != nil {
		return nil, err
	}
	stripeCfg, err := config.LoadStripeConfig(configPath)
	if err != nil {
		return nil, err
	}
	estimatorCfg, err := config.LoadEstimatorConfig(configPath)
	if err != nil {
		return nil, err
	}

	sink := alert.NewLogSink()
	capacityLedger := capacity.NewLedger(schedulerCfg.PoolCapacity, schedulerCfg.ImmunityWindow)
	creditLedger := credit.NewLedger()
	metrics.PoolCapacityGPUs.Set(float64(capacityLedger.Capacity()))

	var est estimator.Estimator
	if strings.TrimSpace(estimatorCfg.URL) != "" {
		est = estimator.NewHTTPEstimator(estimatorCfg.URL, estimatorCfg.Timeout)
	} else {
		log.Warn("estimator url not configured; models register without a gpu requirement")
	}
	if strings.TrimSpace(stripeCfg.WebhookSecret) == "" {
		log.Warn("stripe webhook secret not configured; billing webhooks will be rejected")
	}

	return &services{
		capacity: capacityLedger,
		credits:  creditLedger,
		admission: admission.NewController(conn, capacityLedger, creditLedger, admission.Options{
			CostPerGPU: schedulerCfg.CostPerGPU,
			TxTimeout:  schedulerCfg.TxTimeout,
			Sink:       sink,
		}),
		reconciler: billing.NewReconciler(conn, capacityLedger, billing.Options{
			TxTimeout: schedulerCfg.TxTimeout,
			Sink:      sink,
		}),
		catalog: catalog.New(conn, capacityLedger, est, schedulerCfg.TxTimeout),
		limiter: ratelimit.NewManager(nil, nil, nil),
		sink:    sink,
		stripe:  stripeCfg,
	}, nil
}

// newEngine builds the gin engine serving the admin and user APIs.
func newEngine(conn *gorm.DB, jwtCfg config.JWTConfig, svc *services) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	internalhttp.RegisterAdminRoutes(engine, conn, jwtCfg, internalhttp.Deps{
		Catalog:  svc.catalog,
		Capacity: svc.capacity,
		Credits:  svc.credits,
	})
	front.RegisterFrontRoutes(engine, conn, jwtCfg, front.Deps{
		Admission:  svc.admission,
		Capacity:   svc.capacity,
		Credits:    svc.credits,
		Reconciler: svc.reconciler,
		Limiter:    svc.limiter,
		Stripe:     svc.stripe,
	})
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return engine
}

// requestLogger logs one line per request at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("http request")
	}
}

// RunServer boots the lease scheduler API with database-backed components.
func RunServer(ctx context.Context, cfg config.AppConfig, defaultPort int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	jwtCfg, err := config.LoadJWTConfig(configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(jwtCfg.Secret) == "" {
		return ErrMissingJWTSecret
	}

	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errReload := internalsettings.Reload(ctx, conn); errReload != nil {
		return fmt.Errorf("load settings: %w", errReload)
	}

	svc, err := buildServices(conn, configPath)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := svc.limiter.Close(); errClose != nil {
			log.Errorf("rate limit redis close error: %v", errClose)
		}
	}()

	sweeper := sweep.New(conn, svc.capacity, svc.reconciler, svc.sink)
	if errSweep := sweeper.Start(ctx); errSweep != nil {
		return errSweep
	}

	serverCfg := config.LoadServerConfig(configPath, defaultPort)
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(serverCfg.Port),
		Handler:           newEngine(conn, jwtCfg, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errServe := make(chan error, 1)
	go func() {
		log.Infof("starting lease scheduler on %s with config=%s", server.Addr, configPath)
		if errListen := server.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
			errServe <- errListen
			return
		}
		errServe <- nil
	}()

	select {
	case errListen := <-errServe:
		return errListen
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		log.Errorf("http shutdown error: %v", errShutdown)
		return errShutdown
	}
	log.Info("lease scheduler stopped")
	return <-errServe
}

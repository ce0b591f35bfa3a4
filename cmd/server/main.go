// Command gn-server serves a shared note directory over websockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/and161185/gophnotes/internal/config"
	"github.com/and161185/gophnotes/internal/directory"
	"github.com/and161185/gophnotes/internal/limiter"
	"github.com/and161185/gophnotes/internal/logging"
	"github.com/and161185/gophnotes/internal/migrate"
	"github.com/and161185/gophnotes/internal/repository"
	"github.com/and161185/gophnotes/internal/repository/memory"
	"github.com/and161185/gophnotes/internal/repository/postgres"
	grpcserver "github.com/and161185/gophnotes/internal/server/grpc"
	"github.com/and161185/gophnotes/internal/server/ws"
	"github.com/and161185/gophnotes/internal/service"
	"github.com/and161185/gophnotes/internal/storage"
	"github.com/and161185/gophnotes/internal/storage/fs"
	"github.com/and161185/gophnotes/internal/storage/s3"
	"github.com/and161185/gophnotes/internal/transport"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

type backends struct {
	nodes    repository.NodeRepository
	accounts repository.AccountRepository
	lim      limiter.Limiter
	close    func()
}

// openBackends picks Postgres when a DSN is configured and in-memory repositories otherwise.
func openBackends(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backends, error) {
	if cfg.DSN == "" {
		log.Warn("no DSN configured, directory and accounts are kept in memory")
		lim := limiter.NewMemory(limiter.DefaultPolicy())
		return &backends{
			nodes:    memory.NewNodeRepo(),
			accounts: memory.NewAccountRepo(),
			lim:      lim,
			close:    lim.Close,
		}, nil
	}
	if err := migrate.Up(ctx, cfg.DSN, log); err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	db, pool, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &backends{
		nodes:    postgres.NewNodeRepo(db),
		accounts: postgres.NewAccountRepo(db),
		lim:      limiter.NewPG(pool, limiter.DefaultPolicy()),
		close:    db.Close,
	}, nil
}

func openStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Storage, error) {
	if cfg.Storage == config.StorageS3 {
		return s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, log)
	}
	return fs.New(cfg.StorageRoot, log)
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	be, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage, err)
	}

	m := transport.NewManager(log)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = m.Run(loopCtx)
	}()

	var dir *directory.Directory
	if cerr := m.Call(ctx, func() { dir, err = directory.New(log, m, be.nodes, store) }); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}

	ready := func(ctx context.Context) bool {
		var ok bool
		if err := m.Call(ctx, func() { ok = dir.Probe() }); err != nil {
			return false
		}
		return ok
	}
	if !ready(ctx) {
		log.Warn("root directory not loaded yet, will retry on health checks")
	}

	authSvc := service.NewAuthService(be.accounts, []byte(cfg.JWTKey), cfg.AccessTTL, be.lim)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           ws.New(log, m, dir, authSvc, ready).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.TLS()))
		var err error
		if cfg.TLS() {
			err = httpSrv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var grpcSrv *grpcserver.Server
	if cfg.GRPCAddr != "" {
		var opts []grpc.ServerOption
		if cfg.TLS() {
			creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
			if err != nil {
				return fmt.Errorf("load TLS cert/key: %w", err)
			}
			opts = append(opts, grpc.Creds(creds))
		}
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
		}
		sessions := func(ctx context.Context) ([]directory.SessionInfo, error) {
			var out []directory.SessionInfo
			err := m.Call(ctx, func() { out = dir.Sessions() })
			return out, err
		}
		grpcSrv = grpcserver.New(log.Named("grpc"), authSvc, ready, sessions, cfg.Dev, opts...)
		go grpcSrv.WatchReady(ctx, 5*time.Second)
		go func() {
			log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	if cfg.Autosave > 0 {
		go dir.Autosave(ctx, cfg.Autosave)
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", zap.Error(serr))
	}
	if grpcSrv != nil {
		grpcSrv.Stop(shutdownTimeout)
	}
	if serr := dir.SaveAll(shutdownCtx); serr != nil {
		log.Error("final save", zap.Error(serr))
	}
	_ = m.Call(shutdownCtx, dir.Close)
	stopLoop()
	<-loopDone
	return err
}

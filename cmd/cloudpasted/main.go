// Command cloudpasted runs the CloudPaste storage gateway: it loads
// configuration, opens the SQLite store, wires every component in
// internal/, and serves the HTTP API described in spec.md §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudpaste/gateway/internal/authn"
	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/config"
	"github.com/cloudpaste/gateway/internal/dircache"
	"github.com/cloudpaste/gateway/internal/driver"
	_ "github.com/cloudpaste/gateway/internal/driver/discord"
	_ "github.com/cloudpaste/gateway/internal/driver/github"
	_ "github.com/cloudpaste/gateway/internal/driver/googledrive"
	_ "github.com/cloudpaste/gateway/internal/driver/huggingface"
	_ "github.com/cloudpaste/gateway/internal/driver/local"
	_ "github.com/cloudpaste/gateway/internal/driver/memory"
	_ "github.com/cloudpaste/gateway/internal/driver/mirror"
	_ "github.com/cloudpaste/gateway/internal/driver/onedrive"
	_ "github.com/cloudpaste/gateway/internal/driver/s3"
	_ "github.com/cloudpaste/gateway/internal/driver/telegram"
	_ "github.com/cloudpaste/gateway/internal/driver/webdavdrv"
	"github.com/cloudpaste/gateway/internal/fsindex"
	"github.com/cloudpaste/gateway/internal/httpapi"
	"github.com/cloudpaste/gateway/internal/job"
	"github.com/cloudpaste/gateway/internal/ledger"
	"github.com/cloudpaste/gateway/internal/logging"
	"github.com/cloudpaste/gateway/internal/metrics"
	"github.com/cloudpaste/gateway/internal/mount"
	"github.com/cloudpaste/gateway/internal/proxy"
	"github.com/cloudpaste/gateway/internal/scheduler"
	"github.com/cloudpaste/gateway/internal/session"
	"github.com/cloudpaste/gateway/internal/share"
	"github.com/cloudpaste/gateway/internal/store"
	"github.com/cloudpaste/gateway/internal/upload"
	"github.com/cloudpaste/gateway/internal/vfs"
	"github.com/cloudpaste/gateway/internal/webdavsrv"
)

var (
	configPath   = flag.String("config", "", "path to JSON config file")
	verbose      = flag.Bool("verbose", false, "enable debug logging")
	schedRuntime = flag.String("scheduler-runtime", "internal-loop", `"internal-loop" or "external-cron": how the Scheduled Runner is ticked`)
)

func main() {
	flag.Parse()
	log := logging.New(*verbose)

	if err := run(log); err != nil {
		log.Error().Err(err).Msg("fatal startup error")
		os.Exit(config.ExitInitError)
	}
}

func run(log logging.Logger) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitBadConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	signer := authz.NewSigner(cfg.SignSecret)
	router := mount.NewRouter()
	registry := driver.NewRegistry()
	cache := dircache.New(cfg.CacheTTLDefault)
	meta := vfs.NewSQLMetaStore(db.DB)

	// Populate the router and registry from the mounts/storage_configs
	// tables before anything serves traffic; otherwise both start empty
	// and every FS/upload/proxy/WebDAV request fails until an admin
	// re-touches each mount or storage config after a restart.
	if err := httpapi.ReloadStorageConfigs(ctx, db.DB, registry); err != nil {
		return fmt.Errorf("loading storage configs: %w", err)
	}
	if err := httpapi.ReloadMounts(ctx, db.DB, router); err != nil {
		return fmt.Errorf("loading mounts: %w", err)
	}

	fsIndex := fsindex.New(db.DB, router, registry, log)

	vfsService := &vfs.Service{
		Router:   router,
		Cache:    cache,
		Registry: registry,
		Meta:     meta,
		Dirty:    fsIndex,
		Signer:   signer,
	}

	jobConcurrency := map[string]int{"fs_index_rebuild": 1, "fs_index_apply_dirty": 2}
	jobs := job.NewRegistry(log, jobConcurrency)
	jobs.RegisterHandler("fs_index_rebuild", fsIndex.RebuildHandler())
	jobs.RegisterHandler("fs_index_apply_dirty", fsIndex.ApplyDirtyHandler())

	sessions := session.NewManager(cfg.UploadSessionTimeout)
	defer sessions.Stop()

	hasher := authn.BcryptHasher{}
	memLedger := ledger.NewMemoryLedger()
	uploadEngine := upload.NewEngine(sessions, log, func(policy driver.PartsLedgerPolicy) ledger.Ledger {
		return ledger.ForPolicy(policy, db.DB, memLedger)
	})

	shareService := share.New(db.DB, hasher)

	adminStore := authn.NewAdminStore(db.DB)
	if err := adminStore.EnsureInitialized(ctx, cfg.AdminInitPassword); err != nil {
		log.Warn().Err(err).Msg("admin account not initialized; set ADMIN_INIT_PASSWORD")
	}
	apiKeyStore := authn.NewApiKeyStore(db.DB)

	var tickSource scheduler.TickSource
	if *schedRuntime == "external-cron" {
		tickSource = scheduler.NewExternalTickSource()
	} else {
		tickSource = scheduler.NewIntervalTickSource(time.Minute)
	}
	sched := scheduler.NewRunner(db.DB, jobs, log, tickSource, *schedRuntime)
	sched.RegisterHandler("fs_index_apply_dirty", func(cfg map[string]interface{}) (string, interface{}) {
		return "fs_index_apply_dirty", fsindex.ApplyDirtyPayload{Options: fsindex.ApplyDirtyOptions{BatchSize: 200, RebuildDirectorySubtree: true}}
	})
	sched.Start(ctx)
	defer sched.Stop()

	webdav := webdavsrv.New(vfsService, db.DB, log)
	proxySrv := proxy.New(vfsService, signer, log)
	metricsReg := metrics.New()
	jobs.SetMetrics(metricsReg)
	cache.SetMetrics(metricsReg)
	shareService.SetMetrics(metricsReg)
	proxySrv.Metrics = metricsReg
	fsIndex.SetMetrics(metricsReg)

	srv := &httpapi.Server{
		DB:        db.DB,
		Log:       log,
		Signer:    signer,
		Router:    router,
		Registry:  registry,
		VFS:       vfsService,
		FSIndex:   fsIndex,
		Jobs:      jobs,
		Upload:    uploadEngine,
		Sessions:  sessions,
		Share:     shareService,
		Scheduler: sched,
		WebDAV:    webdav,
		Proxy:     proxySrv,
		Metrics:   metricsReg,
		Admin:     adminStore,
		ApiKeys:   apiKeyStore,
	}

	httpSrv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.NewMux(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("cloudpasted listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info().Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

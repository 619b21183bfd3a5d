package commands

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cf7me/confirmflow/internal/api"
	"github.com/cf7me/confirmflow/internal/config"
	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/errors"
	appfsm "github.com/cf7me/confirmflow/pkg/fsm"
	"github.com/cf7me/confirmflow/pkg/host"
	"github.com/cf7me/confirmflow/pkg/metrics"
	"github.com/cf7me/confirmflow/pkg/security"
	"github.com/cf7me/confirmflow/pkg/session"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the site with the confirmation flow",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen-addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("base-url", "http://localhost:8080", "Public base URL of the site")
	serveCmd.Flags().String("commit-mode", "inline", "Commit workflow: inline or fsm")
	serveCmd.Flags().String("fsm-db-path", ".artifacts/fsm", "FSM state directory")
	serveCmd.Flags().String("attachments-bucket", "", "S3 bucket for uploaded files; empty disables uploads")

	for _, name := range []string{"listen-addr", "base-url", "commit-mode", "fsm-db-path", "attachments-bucket"} {
		viper.BindPFlag(name, serveCmd.Flags().Lookup(name))
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	site := confirm.Site{BaseURL: cfg.BaseURL}
	validator := security.NewValidator(cfg.MaxFields, cfg.MaxValueBytes, cfg.MaxFileSize)
	nonces := security.NewNonceIssuer([]byte(cfg.NonceSecret), cfg.NonceTTL)

	var files api.Uploader
	var remover confirm.AttachmentRemover
	var downloader host.Downloader
	s3Client, err := openAttachments(ctx, cfg)
	if err != nil {
		return err
	}
	if s3Client != nil {
		files, remover, downloader = s3Client, s3Client, s3Client
	}

	store, err := openSessionStore(ctx, cfg, remover)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := host.NewEngine(repo, newMailer(cfg, downloader))
	interceptor := confirm.NewInterceptor(repo, repo, store, validator, site)
	engine.OnBeforeSend(host.InterceptHook(interceptor))

	committer, shutdown, err := newCommitter(ctx, cfg, engine, store, remover)
	if err != nil {
		return err
	}
	defer shutdown()

	resolver := confirm.NewResolver(store, cfg.SlugFallback)
	renderer := confirm.NewRenderer(resolver, engine, nonces, site)
	finalizer := confirm.NewFinalizer(resolver, repo, store, nonces, committer, site)

	directives := confirm.NewDirectives()
	directives.Register(confirm.DirectiveConfirm, confirm.ConfirmDirective(renderer))
	directives.Register("cf7me_form", host.FormDirective(engine))

	reaper := startReaper(cfg.ReapSchedule, store)
	if reaper != nil {
		defer reaper.Stop()
	}

	server := api.NewServer(api.Options{
		Pages:        repo,
		Forms:        repo,
		Engine:       engine,
		Finalizer:    finalizer,
		Directives:   directives,
		Validator:    validator,
		Files:        files,
		Site:         site,
		CookieName:   cfg.SessionCookie,
		SecureCookie: strings.HasPrefix(cfg.BaseURL, "https://"),
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server_listening", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL, "commit_mode", cfg.CommitMode)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newMailer picks the SMTP mailer, or the log mailer when no SMTP host is set.
// files may be nil; uploads are then listed but not attached.
func newMailer(cfg *config.Config, files host.Downloader) host.Mailer {
	if cfg.SMTPHost == "" {
		slog.Warn("smtp_not_configured", "fallback", "log")
		return host.LogMailer{}
	}
	mailer := host.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPSSL, cfg.MailFrom, cfg.MailRecipient)
	if files != nil {
		mailer.AttachFrom(files)
	}
	return mailer
}

// newCommitter returns the committer for the configured commit mode and a
// func releasing what it holds.
func newCommitter(ctx context.Context, cfg *config.Config, engine *host.Engine, store session.Store, files confirm.AttachmentRemover) (confirm.Committer, func(), error) {
	if cfg.CommitMode != "fsm" {
		return confirm.NewReplayCommitter(engine, store, files), func() {}, nil
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return nil, nil, errors.Wrap(err, "FSM manager failed")
	}

	machine := appfsm.NewMachine(engine, store, files, cfg.FSMMaxRetries)
	if _, err := machine.Register(ctx, manager); err != nil {
		manager.Shutdown(10 * time.Second)
		return nil, nil, errors.Wrap(err, "FSM register failed")
	}

	return machine, func() { manager.Shutdown(10 * time.Second) }, nil
}

// startReaper schedules removal of expired staged submissions when the store
// needs it. Stores with native expiry return nil.
func startReaper(schedule string, store session.Store) *cron.Cron {
	reaper, ok := store.(session.Reaper)
	if !ok || schedule == "" {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := reaper.Reap(ctx)
		if err != nil {
			slog.Error("session_reap_failed", "error", err)
			return
		}
		metrics.ReapedSubmissions.Add(float64(n))
		if n > 0 {
			slog.Info("session_reaped", "removed", n)
		}
	})
	if err != nil {
		slog.Error("session_reap_schedule_invalid", "schedule", schedule, "error", err)
		return nil
	}
	c.Start()
	return c
}


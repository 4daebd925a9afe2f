// SPDX-License-Identifier: MIT

/*
Starts the coordinator: the HTTP surface for job submission and status, the
worker bridge accepting the single GPU worker connection, and the background
reaper that expires stale in-flight jobs.

For usage details, run coordinator with the command line flag -h or --help.
*/
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

	"golang.org/x/sync/errgroup"

	"github.com/meshforge/dispatch/clog"
	"github.com/meshforge/dispatch/internal/admission"
	"github.com/meshforge/dispatch/internal/audit"
	"github.com/meshforge/dispatch/internal/bridge"
	"github.com/meshforge/dispatch/internal/config"
	"github.com/meshforge/dispatch/internal/httpapi"
	"github.com/meshforge/dispatch/internal/queue"
	"github.com/meshforge/dispatch/internal/ratelimit"
	"github.com/meshforge/dispatch/internal/reaper"
	"github.com/meshforge/dispatch/internal/storage"
	"github.com/meshforge/dispatch/internal/store"
	"github.com/meshforge/dispatch/internal/subscribers"
	"github.com/meshforge/dispatch/internal/validate"
)

var log = clog.New("coordinator")

func main() {
	var configPath string
	var help bool
	var logOutput bool

	flag.Usage = usage
	flag.StringVar(&configPath, "c", "dispatch.toml", "path to TOML configuration file")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&logOutput, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help {
		usage()
		os.Exit(0)
	}
	if logOutput {
		clog.Enable()
	}
	defer clog.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Errorf("coordinator exited with error: %v", err)
		os.Exit(1)
	}
}

func run(cfg config.Settings) error {
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recovered, err := st.RecoverOrphaned(ctx)
	if err != nil {
		return err
	}
	if len(recovered) > 0 {
		log.Printf("re-queued %d orphaned jobs on startup", len(recovered))
	}

	auditLog, err := audit.New(st.DB())
	if err != nil {
		return err
	}

	fs, err := storage.New(cfg.UploadDir, cfg.OutputDir)
	if err != nil {
		return err
	}

	q := queue.New(st)
	subs := subscribers.New()
	br := bridge.New(q, fs, subs, auditLog)
	admissionFront := admission.New(q, ratelimit.NewBanList(), ratelimit.NewQuota(cfg.RateLimitPerDay), cfg.MaxPendingJobs)
	validator := validate.New(cfg.MaxUploadBytes)

	router := httpapi.NewRouter(httpapi.Deps{
		Queue:      q,
		Admission:  admissionFront,
		Bridge:     br,
		Subs:       subs,
		Storage:    fs,
		Validator:  validator,
		Audit:      auditLog,
		Defaults:   cfg.Defaults,
		WorkerAuth: cfg.WorkerAuthToken,
		AdminAuth:  cfg.AdminAuthToken,
	}, cfg.CORSOrigins)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	rp := reaper.New(q, time.Duration(cfg.CleanupIntervalS)*time.Second, time.Duration(cfg.JobTimeoutS)*time.Second)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rp.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			log.Printf("terminating coordinator on signal %v...", sig)
		case <-gctx.Done():
		}
		httpapi.Shutdown(srv)
		cancel()
		return nil
	})

	return g.Wait()
}

func usage() {
	fmt.Printf(`usage: coordinator [-h|--help] [-l] [-c configPath]

Starts the coordinator: HTTP job intake, worker bridge, and stale-job reaper.

Flags:
`)
	flag.PrintDefaults()
}

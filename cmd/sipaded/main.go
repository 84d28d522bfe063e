package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uninett/sipade/internal/alertsink"
	"github.com/uninett/sipade/internal/calltype"
	"github.com/uninett/sipade/internal/controller"
	"github.com/uninett/sipade/internal/errs"
	"github.com/uninett/sipade/internal/httpserver"
	"github.com/uninett/sipade/internal/store"
	"github.com/uninett/sipade/internal/window"
	"github.com/uninett/sipade/pkg/config"
	"github.com/uninett/sipade/pkg/metrics"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch strings.ToLower(getenv("LOG_LEVEL", "info")) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfgPath := flag.String("c", "/etc/sipade/sipade.yaml", "path to the YAML policy file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *cfgPath).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	metrics.Register(prometheus.DefaultRegisterer)

	active, err := calltype.ParseActiveSet(cfg.CallType)
	if err != nil {
		log.Fatal().Err(err).Msg("call-type")
	}

	cdrStore, err := store.NewPGCDRStore(ctx, cfg.CDRDatabase.ConnString(), cfg.CDRDatabase.Table)
	if err != nil {
		logFatalErr(err, "cdr-database")
	}
	defer cdrStore.Close()

	ckptStore, err := store.NewPGCheckpointStore(ctx, cfg.ThresholdDatabase.ConnString(), cfg.ThresholdDatabase.Table)
	if err != nil {
		logFatalErr(err, "threshold-database")
	}
	defer ckptStore.Close()

	alertStore, err := store.NewPGAlertStore(ctx, cfg.AlertDatabase.ConnString(), cfg.AlertDatabase.Table)
	if err != nil {
		logFatalErr(err, "alert-database")
	}
	defer alertStore.Close()

	sink, err := alertsink.Build(cfg.Alert, cfg.Institution, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("alert sink init")
	}
	defer sink.Close()

	mode := window.Offline
	var end time.Time
	if cfg.IsOnline() {
		mode = window.Online
	} else {
		end, err = config.ParseTimestamp(cfg.EndingDate)
		if err != nil {
			log.Fatal().Err(err).Msg("ending-date")
		}
	}
	clock := window.New(mode, time.Duration(cfg.Algo.IntervalMinutes)*time.Minute, end)

	ctrlCfg := controller.Config{
		Institution:      cfg.Institution,
		Active:           active,
		Delta:            time.Duration(cfg.Algo.IntervalMinutes) * time.Minute,
		TrainingPeriod:   time.Duration(cfg.TrainingPeriodMinutes) * time.Minute,
		Sensitivity:      cfg.Algo.Sensitivity,
		Adaptability:     cfg.Algo.Adaptability,
		FreqFloor:        cfg.Algo.CallFreqFloor,
		DurFloor:         uint64(cfg.Algo.CallDurationFloorMin) * 60,
		ThresholdRestore: cfg.Algo.ThresholdRestore,
		Duration: controller.CallDurationThresholds{
			MobileSeconds:        int64(cfg.CallDuration.MobileMin) * 60,
			InternationalSeconds: int64(cfg.CallDuration.InternationalMin) * 60,
			PremiumSeconds:       int64(cfg.CallDuration.PremiumMin) * 60,
		},
		OfficeStart: cfg.OfficeTime.StartHour,
		OfficeEnd:   cfg.OfficeTime.EndHour,
	}
	if cfg.InitialTimestamp != "" {
		if ts, err := config.ParseTimestamp(cfg.InitialTimestamp); err == nil {
			ctrlCfg.InitialTimestamp = ts
		}
	}
	if cfg.DetectionStartTS != "" {
		if ts, err := config.ParseTimestamp(cfg.DetectionStartTS); err == nil {
			ctrlCfg.DetectStartTS = ts
		}
	}

	ctrl := controller.New(ctrlCfg, clock, cdrStore, ckptStore, alertStore, sink, log.Logger)

	admin := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           httpserver.NewRouter(ctrl),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", admin.Addr).Msg("admin server listening")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin server stopped unexpectedly")
		}
	}()

	log.Info().Str("institution", cfg.Institution).Str("run-mode", cfg.RunMode).Msg("sipaded starting")

	runErr := ctrl.Run(ctx)

	httpserver.SetDraining(true)
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = admin.Shutdown(shCtx)

	if runErr != nil {
		log.Error().Err(runErr).Msg("detection loop exited with error")
		os.Exit(1)
	}
	log.Info().Msg("sipaded exited cleanly")
}

func logFatalErr(err error, stage string) {
	var e *errs.Error
	if errors.As(err, &e) {
		log.Fatal().Str("kind", e.Kind.String()).Str("stage", e.Stage).Err(e.Err).Msg("startup failure")
	}
	log.Fatal().Str("stage", stage).Err(err).Msg("startup failure")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

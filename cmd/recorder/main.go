package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/bt"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/config"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/dashboard"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/live"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/plan"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/report"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/sensors"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/session"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/store"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/submission"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/upload"
)

const (
	scanTimeout         = 10 * time.Second
	connectKnownTimeout = 20 * time.Second
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "activity-recorder: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, v, err := config.Load(config.NewFlagSet(os.Args[0]), os.Args[1:])
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logFile := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
	defer logFile.Close()
	var out io.Writer = logFile
	if !cfg.Dashboard {
		out = io.MultiWriter(logFile, os.Stderr)
	}
	logger := log.New(out, "", log.LstdFlags|log.Lmicroseconds)
	if used := v.ConfigFileUsed(); used != "" {
		logger.Printf("Main: config %s", used)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var btManager bt.BTManagerInterface
	var location sensors.LocationProvider
	if cfg.Simulate {
		btManager = sensors.NewSimulatedBTManager(logger)
		location = sensors.NewSimulatedLocation(cfg.SimulatedLocation, logger)
	} else {
		btManager = bt.NewBTManager(bluetooth.DefaultAdapter, logger, scanTimeout)
	}
	if err := btManager.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE stack: %w", err)
	}
	defer btManager.Shutdown()

	sensorManager := sensors.NewManager(btManager, cfg.Sensors, st, logger)
	defer sensorManager.Shutdown()

	agg := live.NewAggregator(cfg.Live, logger)

	var uploader submission.Uploader = upload.Unconfigured{}
	if cfg.Upload.Target != "" {
		client, err := upload.NewClient(cfg.Upload, upload.StaticTokenSource(cfg.Upload.AccessToken), logger)
		if err != nil {
			return err
		}
		defer client.Close()
		uploader = client
	} else {
		logger.Println("Main: no upload target, finished activities stay pending")
	}
	processor := submission.NewProcessor(uploader, st, cfg.Submission, logger)

	profiles := config.NewProfileSource(cfg.Profile, logger)
	profiles.Watch(v)

	sessions := session.NewManager(session.Deps{
		Store:    st,
		Sensors:  sensorManager,
		Location: location,
		Live:     agg,
		Profile:  profiles.Profile,
	}, cfg.SessionSettings(), logger)

	if cfg.ReportDir != "" {
		writer := report.NewWriter(cfg.ReportDir, logger)
		processor.Listen(func(r submission.Result) {
			if r.Stage != submission.StageProcess || r.Err != nil {
				return
			}
			if _, err := writer.Write(r.Activity); err != nil {
				logger.Printf("Main: report for %s: %v", r.SessionID, err)
			}
		})
	}

	if !cfg.Dashboard {
		// nobody can acknowledge an empty session without the dashboard
		processor.Listen(func(r submission.Result) {
			if r.Stage != submission.StageProcess || !errors.Is(r.Err, submission.ErrNoStreamData) {
				return
			}
			logger.Printf("Main: session %s recorded no data, discarding", r.SessionID)
			if err := processor.Acknowledge(context.Background(), r.SessionID); err != nil {
				logger.Printf("Main: %v", err)
			}
		})
	}

	recovered, err := sessions.Recover(ctx)
	if err != nil {
		logger.Printf("Main: %v", err)
	}
	for _, s := range recovered {
		processor.SubmitRecovered(s)
	}

	sel := session.Selection{
		Category: model.Category(cfg.Category),
		Location: model.Location(cfg.Location),
	}
	if cfg.PlanFile != "" {
		p, err := plan.LoadFile(cfg.PlanFile)
		if err != nil {
			return err
		}
		sel.Plan = p
		logger.Printf("Main: plan %q with %d step(s)", p.Name, p.StepCount())
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		connectCtx, cancel := context.WithTimeout(gctx, connectKnownTimeout)
		defer cancel()
		ids, err := sensorManager.ConnectKnown(connectCtx)
		if err != nil {
			logger.Printf("Main: reconnecting known sensors: %v", err)
			return nil
		}
		logger.Printf("Main: reconnected %d known sensor(s)", len(ids))
		return nil
	})

	if cfg.MQTT.Broker != "" {
		client, err := live.NewMQTTClient(cfg.MQTT)
		if err != nil {
			logger.Printf("Main: live publishing disabled: %v", err)
		} else {
			defer client.Disconnect(250)
			activeID := func() string {
				if s, ok := sessions.Active(); ok {
					return s.ID()
				}
				return ""
			}
			publisher := live.NewPublisher(client, agg, cfg.MQTT, activeID, logger)
			g.Go(func() error { return publisher.Run(gctx) })
		}
	}

	if cfg.Dashboard {
		g.Go(func() error {
			ctrl := dashboard.NewController(sensorManager, sessions, processor, agg, sel, logger)
			defer ctrl.Close()
			err := dashboard.NewApp(ctrl, logger).Run(gctx)
			stop()
			return err
		})
	} else {
		g.Go(func() error { return recordHeadless(gctx, sessions, processor, sel, logger) })
	}

	err = g.Wait()
	logger.Println("Main: waiting for processing and uploads")
	processor.Wait()
	return err
}

// recordHeadless records one activity from startup until ctx ends.
func recordHeadless(ctx context.Context, sessions *session.Manager, processor *submission.Processor, sel session.Selection, logger *log.Logger) error {
	s, err := sessions.NewSession()
	if err != nil {
		return err
	}
	req, err := s.SelectActivity(sel)
	if err != nil {
		return err
	}
	for _, m := range req.Missing {
		logger.Printf("Main: profile %s missing, %s targets in %v cannot be resolved", m.Field, m.Target, m.Steps)
	}
	sub := processor.Attach(s)
	defer sub.Unsubscribe()

	if err := s.Start(ctx); err != nil {
		return err
	}
	logger.Printf("Main: recording %s until interrupted", s.ID())
	<-ctx.Done()
	return s.Finish()
}

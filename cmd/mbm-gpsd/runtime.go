package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"mbm-gps/internal/companion"
	"mbm-gps/internal/config"
	"mbm-gps/internal/events"
	"mbm-gps/internal/gps"
	"mbm-gps/internal/gpsctrl"
	"mbm-gps/internal/metrics"
	"mbm-gps/internal/nmea"
	"mbm-gps/internal/powerctl"
	"mbm-gps/internal/udp"
	"mbm-gps/internal/web"
)

func gpsConfig(cfg config.Config) (gps.Config, error) {
	pref, err := gpsctrl.ParseMode(cfg.GPS.PrefMode)
	if err != nil {
		return gps.Config{}, err
	}
	t := cfg.Timing
	return gps.Config{
		CtrlDevice:         cfg.Device.Ctrl,
		NMEADevice:         cfg.Device.NMEA,
		Baud:               cfg.Device.Baud,
		PrefMode:           pref,
		Interval:           cfg.GPS.Interval,
		EnableNI:           cfg.SUPL.EnableNI,
		AllowUncert:        cfg.SUPL.AllowUncert,
		SuplServer:         cfg.SUPL.Server,
		RequestInfoOnReady: cfg.Companion.RequestInfoOnReady,
		ReadyPollInterval:  t.ReadyPollInterval,
		ReadyPollStep:      t.ReadyPollStep,
		ReadyTimeout:       t.ReadyTimeout,
		OpenRetry:          t.OpenRetry,
		ATTimeout:          t.ATTimeout,
		ClearDelay:         t.ClearDelay,
		NMEASettle:         t.NMEASettle,
	}, nil
}

// run wires the components and blocks until ctx is done. Teardown runs in
// reverse: the gps loop first, then the companion socket, then transports.
func run(ctx context.Context, cfg config.Config, logs *web.LogBuffer) error {
	gcfg, err := gpsConfig(cfg)
	if err != nil {
		return err
	}
	m := metrics.New()

	power, err := powerctl.New(powerctl.Config{Pin: cfg.Power.ResetGPIO, Pulse: cfg.Power.ResetPulse})
	if err != nil {
		return err
	}
	sources := web.Sources{}
	deps := gps.Deps{Metrics: m}
	if power.Enabled() {
		deps.Power = power
		sources.Power = power
	}

	if cfg.Relay.Dest != "" {
		relay, err := udp.NewRelay(cfg.Relay.Dest)
		if err != nil {
			return fmt.Errorf("nmea relay: %w", err)
		}
		defer relay.Close()
		deps.Sink = nmea.Sinks{relay}
		sources.Relay = relay
		log.Info().Str("dest", cfg.Relay.Dest).Msg("relaying nmea over udp")
	}

	svc := gps.New(gcfg, deps)
	sources.GPS = svc

	comp, err := companion.New(companion.Config{
		Socket:               cfg.Companion.Socket,
		RequestInfoOnConnect: cfg.Companion.RequestInfoOnReady,
	}, svc, m)
	if err != nil {
		return err
	}
	if err := comp.Start(ctx); err != nil {
		return err
	}
	// The helper is stopped after it was told to quit.
	var helper *companion.Helper
	defer func() {
		comp.Close()
		helper.Close()
	}()
	svc.AttachCompanion(comp)
	sources.Companion = comp

	if cfg.Companion.Command != "" {
		helper, err = companion.NewHelper(companion.HelperConfig{
			Command: cfg.Companion.Command,
			Args:    cfg.Companion.Args,
			Socket:  cfg.Companion.Socket,
		})
		if err != nil {
			return err
		}
		if err := helper.Start(ctx); err != nil {
			return err
		}
		sources.Helper = helper
	}

	var reporters []any
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(events.Config{
			URL:           cfg.NATS.URL,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
		})
		if err != nil {
			// Events are optional; the controller runs without a broker.
			log.Warn().Err(err).Msg("nats unavailable, events disabled")
		} else {
			defer nc.Close()
			pub := events.NewPublisher(nc, cfg.NATS.SubjectPrefix)
			defer pub.Close()
			if err := pub.SubscribeNIReplies(svc.NI()); err != nil {
				log.Warn().Err(err).Msg("ni replies over nats disabled")
			}
			reporters = append(reporters, pub)
		}
	}

	if err := svc.Init(ctx, reporters...); err != nil {
		return err
	}
	defer svc.Cleanup()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Web.Listen != "" {
		h := web.Handler(web.Options{
			Status:  web.NewStatus(sources),
			Control: svc,
			NI:      svc.NI(),
			Logs:    logs,
			Metrics: m.Handler(),
			Config:  cfg,
		})
		g.Go(func() error {
			log.Info().Str("listen", cfg.Web.Listen).Msg("web listening")
			return web.Serve(gctx, cfg.Web.Listen, h)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

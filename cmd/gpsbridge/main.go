package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsbridge/internal/config"
	"github.com/shaunagostinho/gpsbridge/internal/mqttpub"
	"github.com/shaunagostinho/gpsbridge/internal/provider"
	"github.com/shaunagostinho/gpsbridge/internal/server"
	"github.com/shaunagostinho/gpsbridge/internal/settings"
	"github.com/shaunagostinho/gpsbridge/internal/tracklog"
	"github.com/shaunagostinho/gpsbridge/web"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated receiver")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	device := flag.String("device", "", "Receiver to use (BT address or port path)")
	flag.Parse()

	boot, _ := zap.NewProduction()
	cfg := config.LoadConfig(*configPath, boot)
	boot.Sync()

	log, err := cfg.Log.Logger()
	if err != nil {
		boot.Fatal("main: logger", zap.Error(err))
	}
	defer log.Sync()
	log.Info("main: gpsbridge starting")

	// Flag overrides apply to this run only and stay out of cfg, which
	// /api/config writes back to disk.
	transportName := cfg.GPSTransport()
	if *demo {
		transportName = "demo"
	}
	seed := cfg.GPS.Device
	if *device != "" {
		seed = *device
	}

	capability, devices, err := newCapability(transportName, cfg, log)
	if err != nil {
		log.Fatal("main: transport", zap.Error(err))
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("main: shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	store, err := settings.Open(cfg.Settings.Path)
	if err != nil {
		log.Fatal("main: settings", zap.Error(err))
	}
	defer store.Close()

	// The config file or -device seeds the persisted receiver.
	if seed == "" && transportName == "demo" {
		if id, _ := store.DeviceID(ctx); id == "" {
			seed = "demo"
		}
	}
	if seed != "" {
		if err := store.SetDeviceID(ctx, seed); err != nil {
			log.Error("main: persist device", zap.Error(err))
		}
	}

	prov := provider.New(provider.Options{
		Capability: capability,
		Link:       cfg.Link,
		Store:      store,
		Log:        log,
	})
	provDone := make(chan struct{})
	go func() {
		prov.Run(ctx)
		close(provDone)
	}()

	track := tracklog.New(tracklog.Config{
		Enabled:    cfg.Track.Enabled,
		Path:       cfg.Track.Path,
		IntervalMs: cfg.Track.IntervalMs,
	}, log)
	defer track.Close()
	prov.AddListener("tracklog", track)

	var trip *server.TripMeter
	if cfg.Trip.Enabled {
		trip = server.NewTripMeter(ctx, cfg.Trip, store, log)
		prov.AddListener("trip", trip)
		go trip.Run(ctx, time.Duration(cfg.Trip.SaveEveryS)*time.Second)
	}

	if cfg.MQTT.Enabled {
		pub, err := mqttpub.Connect(mqttpub.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			PublishNMEA: cfg.MQTT.PublishNMEA,
		}, log)
		if err != nil {
			// Bridge keeps running without the broker
			log.Warn("main: mqtt disabled", zap.Error(err))
		} else {
			defer pub.Close()
			prov.AddListener("mqtt", pub)
		}
	}

	if cfg.GPS.AutoStart {
		if err := prov.Enable(); err != nil {
			log.Error("main: enable", zap.Error(err))
		}
	}

	srv := server.New(server.Options{
		Config:     cfg,
		Transport:  transportName,
		ListenAddr: *listenAddr,
		Bridge:     prov,
		Devices:    devices,
		Trip:       trip,
		Track:      track,
		WebFS:      web.FS,
		Log:        log,
	})
	if err := srv.Run(ctx); err != nil {
		log.Error("main: server exited", zap.Error(err))
		cancel()
	}
	<-provDone
	if trip != nil {
		if err := trip.Save(context.Background()); err != nil {
			log.Error("main: trip save", zap.Error(err))
		}
	}
}

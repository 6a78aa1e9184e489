// Package main is the entry point for the OPC UA subscription publish
// server. It wires the publish engine to the scheduler, the sampling
// simulator and the northbound transports, and manages the application
// lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/nexus-edge/opcua-server/internal/config"
	"github.com/nexus-edge/opcua-server/internal/health"
	"github.com/nexus-edge/opcua-server/internal/metrics"
	"github.com/nexus-edge/opcua-server/internal/publish"
	"github.com/nexus-edge/opcua-server/internal/sampling"
	"github.com/nexus-edge/opcua-server/internal/scheduler"
	"github.com/nexus-edge/opcua-server/internal/service"
	"github.com/nexus-edge/opcua-server/internal/transport"
	"github.com/nexus-edge/opcua-server/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "opcua-server"
	serviceVersion = "1.0.0"
)

func main() {
	// Initialize structured logger
	logger := logging.New(serviceName, serviceVersion)
	logger.Info().Msg("Starting OPC UA publish server")

	// Load configuration
	cfg, err := config.Load(os.Getenv("OPCUA_CONFIG_FILE"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.SetLevel(cfg.Logging.Level)
	logger.Info().Str("env", cfg.Service.Environment).Msg("Configuration loaded")

	// Initialize metrics
	metricsRegistry := metrics.NewRegistry()

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the scheduler that serializes all publish-engine work
	sched := scheduler.New(scheduler.Config{QueueSize: cfg.Engine.SchedulerQueueSize}, logger)
	sched.Start(ctx)

	// Initialize the publish engine and the subscription service set
	engine := publish.NewEngine(publish.Limits{
		MaxRetransmissionQueueSize: cfg.Engine.MaxRetransmissionQueueSize,
	}, sched, logger, metricsRegistry)

	svc := service.NewService(engine, service.Limits{
		MinPublishingInterval:      cfg.Engine.MinPublishingInterval,
		MaxPublishingInterval:      cfg.Engine.MaxPublishingInterval,
		MaxKeepAliveCount:          cfg.Engine.MaxKeepAliveCount,
		MaxLifetimeCount:           cfg.Engine.MaxLifetimeCount,
		MaxNotificationsPerPublish: cfg.Engine.MaxNotificationsPerPublish,
	}, logger, metricsRegistry)

	// Initialize health checker
	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})

	// Select the outbound channel: MQTT bridge or in-memory loopback
	var channel publish.SecureChannel
	var bridge *transport.Bridge
	var loopback *transport.Loopback
	if cfg.MQTT.Enabled {
		bridge, err = transport.NewBridge(transport.BridgeConfig{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            byte(cfg.MQTT.QoS),
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			PublishTimeout: cfg.MQTT.PublishTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create MQTT bridge")
		}
		if err := bridge.Connect(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
		}
		defer bridge.Disconnect()
		healthChecker.AddCheck("mqtt", bridge)
		channel = bridge
	} else {
		loopback = transport.NewLoopback()
		healthChecker.AddCheck("loopback", loopback)
		channel = loopback
	}

	// Wire the demo session and simulator
	var session *publish.Session
	if cfg.Simulation.Enabled {
		session, err = startSimulation(cfg, engine, svc, sched, channel, loopback, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to start simulation")
		}
	}

	// Start HTTP server for health and metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Close the demo session on the scheduler loop before stopping it
	if session != nil {
		done := make(chan struct{})
		sched.Dispatch(func() {
			engine.CloseSession(session)
			close(done)
		})
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
	}

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping scheduler")
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	logger.Info().Msg("OPC UA publish server shutdown complete")
}

// startSimulation creates the demo session with one subscription over
// the configured signal set, and banks publish requests the way a client
// would.
func startSimulation(
	cfg *config.Config,
	engine *publish.Engine,
	svc *service.Service,
	sched *scheduler.Service,
	channel publish.SecureChannel,
	loopback *transport.Loopback,
	logger zerolog.Logger,
) (*publish.Session, error) {
	signals := sampling.DefaultSignals()
	if cfg.Simulation.SignalsFile != "" {
		loaded, err := sampling.LoadSignals(cfg.Simulation.SignalsFile)
		if err != nil {
			return nil, err
		}
		signals = loaded
	}
	logger.Info().Int("count", len(signals)).Msg("Loaded signal configurations")

	session := publish.NewSession("demo-session", logger)
	session.AttachChannel(channel)

	// Wire the subscription and its monitored items on the scheduler loop
	// so setup never overlaps a publish tick
	simulator := sampling.NewSimulator(sched, logger)
	var sub *publish.Subscription
	wired := make(chan error, 1)
	sched.Dispatch(func() {
		resp, err := svc.CreateSubscription(session, &ua.CreateSubscriptionRequest{
			RequestedPublishingInterval: float64(cfg.Simulation.PublishingInterval.Milliseconds()),
			RequestedLifetimeCount:      cfg.Simulation.LifetimeCount,
			RequestedMaxKeepAliveCount:  cfg.Simulation.MaxKeepAliveCount,
			MaxNotificationsPerPublish:  cfg.Engine.MaxNotificationsPerPublish,
			PublishingEnabled:           true,
		})
		if err != nil {
			wired <- err
			return
		}
		sub, _ = session.Subscription(resp.SubscriptionID)
		for i, signal := range signals {
			item := publish.NewMonitoredItem(uint32(i+1), publish.MonitoredItemConfig{
				ClientHandle:  uint32(i + 1),
				QueueSize:     signal.QueueSize,
				DiscardOldest: signal.DiscardOldest,
			})
			engine.AddMonitoredItem(sub, item)
			if err := simulator.Register(item, signal); err != nil {
				wired <- err
				return
			}
		}
		wired <- nil
	})
	if err := <-wired; err != nil {
		return nil, err
	}

	// Bank publish requests like a client would, acknowledging delivered
	// notifications when the loopback makes them observable
	var nextRequestID uint32
	var ackedThrough int
	_, err := sched.AddRepeatedCallback(func() {
		var acks []*ua.SubscriptionAcknowledgement
		if loopback != nil && cfg.Simulation.AcknowledgeReceived {
			responses := loopback.Responses()
			for _, sent := range responses[ackedThrough:] {
				message := sent.Response.NotificationMessage
				if message == nil || len(message.NotificationData) == 0 {
					continue
				}
				acks = append(acks, &ua.SubscriptionAcknowledgement{
					SubscriptionID: sent.Response.SubscriptionID,
					SequenceNumber: message.SequenceNumber,
				})
			}
			ackedThrough = len(responses)
		}
		for session.PendingPublishRequests() < cfg.Simulation.BankedRequests {
			nextRequestID++
			svc.Publish(session, nextRequestID, &ua.PublishRequest{
				RequestHeader:                &ua.RequestHeader{RequestHandle: nextRequestID},
				SubscriptionAcknowledgements: acks,
			})
			acks = nil
		}
	}, cfg.Simulation.PublishingInterval)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Uint32("subscription_id", sub.ID()).
		Dur("publishing_interval", cfg.Simulation.PublishingInterval).
		Msg("Simulation running")
	return session, nil
}

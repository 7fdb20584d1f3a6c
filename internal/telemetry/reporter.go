// Package telemetry publishes status snapshots to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"fieldcam/go-capture-node/internal/metrics"
	"fieldcam/go-capture-node/internal/model"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

type Config struct {
	Broker   string
	ClientID string
	// Topic receives status snapshots; Topic + "/availability" carries online/offline.
	Topic       string
	QoS         byte
	MinInterval time.Duration
}

// Reporter publishes status snapshots, at most one per MinInterval. A snapshot announcing
// power-down always goes out.
type Reporter struct {
	cfg     Config
	client  mqtt.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewReporter(cfg Config, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(2 * time.Minute)
	opts.SetWill(availabilityTopic(cfg.Topic), "offline", 1, true)
	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
		c.Publish(availabilityTopic(cfg.Topic), 1, true, "online")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", cfg.Broker)
	}
	return newReporter(cfg, mqtt.NewClient(opts), logger)
}

func newReporter(cfg Config, client mqtt.Client, logger *slog.Logger) *Reporter {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Reporter{cfg: cfg, client: client, limiter: rate.NewLimiter(limit, 1), logger: logger}
}

// Connect starts connecting. The uplink is often down, so a slow broker is logged and the
// client keeps retrying in the background.
func (r *Reporter) Connect(ctx context.Context) {
	token := r.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			r.logger.Warn("mqtt connect failed", "broker", r.cfg.Broker, "error", err)
		}
	case <-time.After(connectTimeout):
		r.logger.Warn("mqtt broker not reachable yet, retrying in background", "broker", r.cfg.Broker)
	case <-ctx.Done():
	}
}

// Publish implements the orchestrator's status sink.
func (r *Reporter) Publish(_ context.Context, st model.Status) {
	if st.Phase != "SHUTTING_DOWN" && !r.limiter.Allow() {
		metrics.TelemetryPublished.WithLabelValues("throttled").Inc()
		return
	}
	if !r.client.IsConnectionOpen() {
		metrics.TelemetryPublished.WithLabelValues("offline").Inc()
		return
	}

	payload, err := json.Marshal(st)
	if err != nil {
		r.logger.Error("encode status", "error", err)
		return
	}

	token := r.client.Publish(r.cfg.Topic, r.cfg.QoS, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		metrics.TelemetryPublished.WithLabelValues("timeout").Inc()
		r.logger.Warn("status publish timed out", "topic", r.cfg.Topic)
		return
	}
	if err := token.Error(); err != nil {
		metrics.TelemetryPublished.WithLabelValues("error").Inc()
		r.logger.Warn("status publish failed", "topic", r.cfg.Topic, "error", err)
		return
	}
	metrics.TelemetryPublished.WithLabelValues("ok").Inc()
	r.logger.Debug("status published", "topic", r.cfg.Topic, "size", len(payload))
}

// Close announces the node offline and disconnects.
func (r *Reporter) Close() {
	if r.client.IsConnectionOpen() {
		token := r.client.Publish(availabilityTopic(r.cfg.Topic), 1, true, "offline")
		token.WaitTimeout(publishTimeout)
	}
	r.client.Disconnect(250)
}

func availabilityTopic(topic string) string {
	return fmt.Sprintf("%s/availability", topic)
}

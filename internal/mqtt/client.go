// Package mqtt feeds pod telemetry published by devices over MQTT into ingestion.
package mqtt

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"plantpod-gateway/internal/config"
	"plantpod-gateway/internal/data"
)

const maxLoggedPayload = 512

// Ingester is the shared ingestion path.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (data.Snapshot, error)
}

func BuildMQTTClient(cfg config.MQTTConfig, ing Ingester, log *zap.Logger) mqtt.Client {
	h := func(_ mqtt.Client, msg mqtt.Message) {
		HandleMessage(context.Background(), ing, msg, log)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetOrderMatters(true). // reports from one pod must reach last-write-wins in publish order
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		log.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
		if token := c.Subscribe(cfg.Topic, cfg.QoS, h); token.Wait() && token.Error() != nil {
			log.Error("MQTT subscribe failed", zap.String("topic", cfg.Topic), zap.Error(token.Error()))
		} else {
			log.Info("Subscribed to telemetry topic", zap.String("topic", cfg.Topic), zap.Uint8("qos", cfg.QoS))
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost", zap.Error(err))
	}

	return mqtt.NewClient(opts)
}

// ConnectWithBackoff retries the first connection with doubling delays until it
// succeeds or ctx is done.
func ConnectWithBackoff(ctx context.Context, client mqtt.Client, start, max time.Duration, log *zap.Logger) error {
	backoff := start
	for {
		token := client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		log.Warn("MQTT connect failed, retrying", zap.Error(token.Error()), zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
				if backoff > max {
					backoff = max
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HandleMessage ingests one device message. Bad payloads are logged and dropped;
// there is nobody to answer.
func HandleMessage(ctx context.Context, ing Ingester, msg mqtt.Message, log *zap.Logger) {
	payload := msg.Payload()
	log.Debug("MQTT message received",
		zap.String("topic", msg.Topic()),
		zap.Uint8("qos", msg.Qos()),
		zap.Int("bytes", len(payload)))

	snap, err := ing.Ingest(ctx, payload)
	switch {
	case err == nil:
		log.Debug("Telemetry applied", zap.String("pod", snap.GroupKey))
	case data.IsValidation(err):
		log.Warn("Invalid telemetry dropped",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
			zap.ByteString("payload", truncate(payload, maxLoggedPayload)))
	default:
		log.Error("Telemetry ingestion failed", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

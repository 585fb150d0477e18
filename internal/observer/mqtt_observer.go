package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTObserver publishes every event as JSON to <topic>/<event_type>
type MQTTObserver struct {
	client mqtt.Client
	topic  string
	logger *logrus.Logger
	acks   *WorkerPool

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewMQTTObserver connects to the broker and returns a ready observer
func NewMQTTObserver(ctx context.Context, broker, clientID, topic string, logger *logrus.Logger) (*MQTTObserver, error) {
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		logger.WithFields(logrus.Fields{
			"broker":    broker,
			"client_id": clientID,
		}).Info("MQTT connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.WithError(err).WithField("broker", broker).
			Warn("MQTT connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		// Stops the background connect retries
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	acks := NewWorkerPool(2, 64)
	acks.Start()

	return &MQTTObserver{
		client: client,
		topic:  strings.TrimRight(topic, "/"),
		logger: logger,
		acks:   acks,
	}, nil
}

// OnEvent publishes without waiting for the broker acknowledgement
func (o *MQTTObserver) OnEvent(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		o.failed.Add(1)
		o.logger.WithError(err).Error("Failed to encode event for MQTT")
		return
	}

	topic := o.topic + "/" + string(event.EventType)
	token := o.client.Publish(topic, 0, false, payload)
	accepted := o.acks.TrySubmit(func() {
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			o.published.Add(1)
			return
		}
		o.failed.Add(1)
		o.logger.WithField("topic", topic).Warn("MQTT publish not acknowledged")
	})
	if !accepted {
		// Too many unacknowledged publishes; stop tracking this one
		o.failed.Add(1)
	}
}

// GetObserverName returns the observer name
func (o *MQTTObserver) GetObserverName() string {
	return "mqtt_observer"
}

// Stats returns published and failed counts
func (o *MQTTObserver) Stats() (published, failed uint64) {
	return o.published.Load(), o.failed.Load()
}

// Close waits for outstanding acknowledgements and disconnects from the broker
func (o *MQTTObserver) Close() {
	o.acks.Close()
	o.client.Disconnect(250)
}

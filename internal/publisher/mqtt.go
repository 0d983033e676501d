package publisher

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher wraps a Paho MQTT client.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
	status string
}

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	// StatusTopic, if set, receives a retained "online" on connect and
	// "offline" as the last will.
	StatusTopic string
}

// NewMQTTPublisher creates and connects an MQTT publisher.
func NewMQTTPublisher(ctx context.Context, opts MQTTOptions) (*MQTTPublisher, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second)

	if opts.StatusTopic != "" {
		clientOpts.SetWill(opts.StatusTopic, "offline", opts.QoS, true)
		clientOpts.SetOnConnectHandler(func(c mqtt.Client) {
			c.Publish(opts.StatusTopic, opts.QoS, true, "online")
		})
	}

	client := mqtt.NewClient(clientOpts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}

	return &MQTTPublisher{
		client: client,
		qos:    opts.QoS,
		status: opts.StatusTopic,
	}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, msg Message) error {
	return wait(ctx, p.client.Publish(msg.Topic, p.qos, msg.Retained, msg.Payload))
}

// Close marks the status topic offline, since a clean disconnect does not
// trigger the will, then disconnects.
func (p *MQTTPublisher) Close() error {
	if p.status != "" {
		p.client.Publish(p.status, p.qos, true, "offline").WaitTimeout(2 * time.Second)
	}
	p.client.Disconnect(1000)
	return nil
}

// wait blocks until the token completes or ctx is done.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package notify publishes calibration events to an MQTT broker so that
// monitoring and downstream reconstruction jobs learn about new parameters
// without polling the database.
package notify

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"calibkit/calib"
	"calibkit/config"
	"calibkit/container"
)

const (
	publishTimeout = 5 * time.Second
	connectWait    = 10 * time.Second
	kindWrite      = "write"
	kindImport     = "import"
)

var (
	ErrNotConnected   = errors.New("notify: not connected")
	ErrPublishTimeout = errors.New("notify: publish timed out")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ImportEvent summarises a container import.
type ImportEvent struct {
	ContainerID string    `json:"container_id"`
	Source      string    `json:"source"`
	RunsAdded   int       `json:"runs_added"`
	Accepted    int       `json:"accepted"`
	Rejected    int       `json:"rejected"`
	ImportedAt  time.Time `json:"imported_at"`
}

// ImportEventFromReport converts an import report.
func ImportEventFromReport(source string, r container.Report, at time.Time) ImportEvent {
	return ImportEvent{
		ContainerID: r.ContainerID,
		Source:      source,
		RunsAdded:   r.RunsAdded,
		Accepted:    r.Accepted,
		Rejected:    len(r.Rejected),
		ImportedAt:  at.UTC(),
	}
}

type envelope struct {
	Kind  string `json:"kind"`
	Event any    `json:"event"`
}

// MQTTPublisher sends events as JSON to <topic>/<kind>.
type MQTTPublisher struct {
	client    mqtt.Client
	brokerURL string
	topic     string
	qos       byte
	published atomic.Uint64
	failed    atomic.Uint64
}

var _ calib.Publisher = (*MQTTPublisher)(nil)

// NewMQTTPublisher prepares a publisher from configuration. Connect must be
// called before events are delivered.
func NewMQTTPublisher(cfg config.NotifyConfig) *MQTTPublisher {
	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)

	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = fmt.Sprintf("calibkit-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("Notify: connected to %s", brokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("Notify: connection lost: %v (will reconnect)", err)
	})

	return newPublisher(mqtt.NewClient(opts), brokerURL, cfg.Topic, cfg.QoS)
}

func newPublisher(client mqtt.Client, brokerURL, topic string, qos int) *MQTTPublisher {
	if qos < 0 {
		qos = 0
	}
	if qos > 2 {
		qos = 2
	}
	return &MQTTPublisher{
		client:    client,
		brokerURL: brokerURL,
		topic:     strings.TrimRight(strings.TrimSpace(topic), "/"),
		qos:       byte(qos),
	}
}

// Connect dials the broker. When the broker is not reachable within
// connectWait the client keeps retrying in the background and Connect
// returns an error; events published meanwhile fail with ErrNotConnected.
func (p *MQTTPublisher) Connect() error {
	log.Printf("Notify: connecting to MQTT broker at %s...", p.brokerURL)
	token := p.client.Connect()
	if !token.WaitTimeout(connectWait) {
		return fmt.Errorf("notify: %s not reachable yet, retrying in background", p.brokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("notify: connect %s: %w", p.brokerURL, err)
	}
	return nil
}

// IsConnected reports whether the client is connected.
func (p *MQTTPublisher) IsConnected() bool {
	return p.client != nil && p.client.IsConnected()
}

// PublishWrite announces a completed write.
func (p *MQTTPublisher) PublishWrite(ev calib.WriteEvent) error {
	return p.publish(kindWrite, ev)
}

// PublishImport announces a container import.
func (p *MQTTPublisher) PublishImport(ev ImportEvent) error {
	return p.publish(kindImport, ev)
}

// Counts returns published and failed event totals.
func (p *MQTTPublisher) Counts() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

func (p *MQTTPublisher) publish(kind string, event any) error {
	payload, err := encodeEvent(kind, event)
	if err != nil {
		p.failed.Add(1)
		return err
	}
	if !p.IsConnected() {
		p.failed.Add(1)
		return ErrNotConnected
	}
	topic := p.topic + "/" + kind
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.failed.Add(1)
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("notify: publish %s: %w", topic, err)
	}
	p.published.Add(1)
	return nil
}

// Close disconnects, waiting up to 250ms for in-flight messages.
func (p *MQTTPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	log.Println("Notify: publisher stopped")
}

func encodeEvent(kind string, event any) ([]byte, error) {
	data, err := json.Marshal(envelope{Kind: kind, Event: event})
	if err != nil {
		return nil, fmt.Errorf("notify: encode %s event: %w", kind, err)
	}
	return data, nil
}

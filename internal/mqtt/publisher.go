package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/lilphil/homeassistant-classcharts/internal/config"
	"github.com/lilphil/homeassistant-classcharts/internal/entity"
	"github.com/lilphil/homeassistant-classcharts/internal/integration"
	"github.com/lilphil/homeassistant-classcharts/internal/sensor"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
	payloadPress   = "PRESS"
)

// Registry is the set of accounts the publisher exposes.
type Registry interface {
	Entries() []*integration.Instance
	Get(id string) (*integration.Instance, bool)
}

// Publisher manages the MQTT connection, publishes HA discovery configs
// and sensor states, and turns refresh button presses into coordinator
// refreshes.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	registry   Registry
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	updates chan struct{}
	presses *pressLimiter

	mu        sync.Mutex
	announced map[string]bool // discovery topics sent on this connection
	pupils    map[string]bool // pupil availability topics ever published
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, registry Registry, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		registry:   registry,
		logger:     logger,
		updates:    make(chan struct{}, 1),
		presses:    newPressLimiter(6, time.Minute, logger),
		announced:  make(map[string]bool),
		pupils:     make(map[string]bool),
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled. It blocks.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte(payloadOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.resetAnnounced()
			p.subscribeCommands(ctx, cm)
			p.publishAvailability(ctx, cm, payloadOnline)
			p.publish(ctx, cm, p.discoveryMessages(), 1)
			p.publish(ctx, cm, p.stateMessages(), 0)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "classcharts-" + p.instanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return p.handleCommand(ctx, pr.Packet.Topic, pr.Packet.Payload), nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	for _, inst := range p.registry.Entries() {
		remove := inst.Coordinator.AddListener(p.notify)
		defer remove()
	}
	go p.presses.start(ctx)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" on the bridge availability topic and
// disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, payloadOffline)
	return p.cm.Disconnect(ctx)
}

// notify is the coordinator listener. It must not block.
func (p *Publisher) notify() {
	select {
	case p.updates <- struct{}{}:
	default:
	}
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "classcharts/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) pupilAvailabilityTopic(deviceID string) string {
	return p.baseTopic() + "/" + deviceID + "/availability"
}

func (p *Publisher) stateTopic(uniqueID string) string {
	return p.baseTopic() + "/" + uniqueID + "/state"
}

func (p *Publisher) commandTopic(entryID string) string {
	return p.baseTopic() + "/" + entryID + "/refresh/set"
}

func (p *Publisher) commandFilter() string {
	return p.baseTopic() + "/+/refresh/set"
}

func (p *Publisher) discoveryTopic(component, objectID string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + objectID + "/config"
}

// --- Message building ---

type message struct {
	topic   string
	payload []byte
}

func (p *Publisher) sensors() []*sensor.Entity {
	var out []*sensor.Entity
	for _, inst := range p.registry.Entries() {
		out = append(out, sensor.NewEntities(inst.Coordinator, inst.Entry.ID)...)
	}
	return out
}

// discoveryMessages returns discovery configs not yet announced on the
// current connection and marks them announced.
func (p *Publisher) discoveryMessages() []message {
	var msgs []message

	add := func(topic string, cfg any) {
		if p.markAnnounced(topic) {
			return
		}
		payload, err := json.Marshal(cfg)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "topic", topic, "error", err)
			return
		}
		msgs = append(msgs, message{topic: topic, payload: payload})
	}

	bridge := Availability{Topic: p.availabilityTopic()}

	for _, inst := range p.registry.Entries() {
		id := inst.Entry.ID + "_refresh"
		add(p.discoveryTopic("button", id), ButtonConfig{
			Name:           "Refresh",
			HasEntityName:  true,
			UniqueID:       id,
			CommandTopic:   p.commandTopic(inst.Entry.ID),
			PayloadPress:   payloadPress,
			Availability:   []Availability{bridge},
			Device:         AccountDeviceInfo(inst.Entry),
			Icon:           "mdi:refresh",
			EntityCategory: "config",
		})
	}

	for _, s := range p.sensors() {
		device, ok := s.DeviceInfo()
		if !ok {
			continue
		}
		deviceID := entity.DeviceID(s.EntryID, s.PupilID)
		add(p.discoveryTopic("sensor", s.UniqueID()), SensorConfig{
			Name:          s.Name(),
			HasEntityName: true,
			UniqueID:      s.UniqueID(),
			StateTopic:    p.stateTopic(s.UniqueID()),
			Availability: []Availability{
				bridge,
				{Topic: p.pupilAvailabilityTopic(deviceID)},
			},
			AvailabilityMode: "all",
			Device:           device,
			Icon:             s.Icon(),
			StateClass:       "measurement",
		})
	}
	return msgs
}

// stateMessages returns the current counter values and per-pupil
// availability. Absent values are not published. Pupils that have left
// every roster are marked offline.
func (p *Publisher) stateMessages() []message {
	var msgs []message
	current := make(map[string]bool)

	for _, s := range p.sensors() {
		topic := p.pupilAvailabilityTopic(entity.DeviceID(s.EntryID, s.PupilID))
		if _, seen := current[topic]; !seen {
			current[topic] = s.Available()
		}
		if v, ok := s.Value(); ok {
			msgs = append(msgs, message{
				topic:   p.stateTopic(s.UniqueID()),
				payload: []byte(strconv.FormatInt(v, 10)),
			})
		}
	}

	p.mu.Lock()
	for topic := range p.pupils {
		if _, ok := current[topic]; !ok {
			current[topic] = false
		}
	}
	for topic := range current {
		p.pupils[topic] = true
	}
	p.mu.Unlock()

	for topic, available := range current {
		payload := payloadOffline
		if available {
			payload = payloadOnline
		}
		msgs = append(msgs, message{topic: topic, payload: []byte(payload)})
	}
	return msgs
}

func (p *Publisher) markAnnounced(topic string) (already bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.announced[topic] {
		return true
	}
	p.announced[topic] = true
	return false
}

func (p *Publisher) resetAnnounced() {
	p.mu.Lock()
	p.announced = make(map[string]bool)
	p.mu.Unlock()
}

// --- Publishing ---

func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, msgs []message, qos byte) {
	failed := 0
	for _, m := range msgs {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: m.payload,
			QoS:     qos,
			Retain:  true,
		}); err != nil {
			failed++
			p.logger.Debug("mqtt publish failed", "topic", m.topic, "error", err)
		}
	}
	if len(msgs) > 0 {
		p.logger.Debug("mqtt messages published", "count", len(msgs), "failed", failed)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Duration(config.DefaultPublishIntervalSec) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.updates:
			// New pupils may have joined the roster.
			p.publish(ctx, p.cm, p.discoveryMessages(), 1)
			p.publish(ctx, p.cm, p.stateMessages(), 0)
		case <-ticker.C:
			p.publish(ctx, p.cm, p.stateMessages(), 0)
		}
	}
}

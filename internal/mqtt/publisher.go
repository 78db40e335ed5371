package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/bypassd/internal/config"
	"github.com/nugget/bypassd/internal/events"
)

// SolveStats is the counter snapshot the publisher reports.
type SolveStats struct {
	OK        int64
	Failed    int64
	Attempts  int64
	LastSolve time.Time
	LastError string
}

// StatsSource supplies sensor values. main wires an adapter over the
// solve service so this package does not depend on it.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	SolveStats() SolveStats
}

// Publisher owns the broker connection, announces sensors on every
// (re-)connect and pushes their state periodically and after every
// finished request.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	stats      StatsSource
	bus        *events.Bus
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher without connecting. bus may be nil.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		stats:      stats,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects and runs the publish loop until ctx is cancelled.
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
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "bypassd-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return "bypassd/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) sensorDef {
	return sensorDef{
		entity: entity,
		config: SensorConfig{
			Name:              name,
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		},
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"
	uptime.config.DeviceClass = "duration"
	uptime.config.UnitOfMeasurement = "s"

	version := p.sensor("version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"

	ok := p.sensor("solves_ok", "Solves Succeeded", "mdi:check-circle-outline")
	ok.config.StateClass = "total_increasing"

	failed := p.sensor("solves_failed", "Solves Failed", "mdi:alert-circle-outline")
	failed.config.StateClass = "total_increasing"

	attempts := p.sensor("attempts", "Attempts", "mdi:source-fork")
	attempts.config.StateClass = "total_increasing"

	last := p.sensor("last_solve", "Last Solve", "mdi:clock-check")
	last.config.DeviceClass = "timestamp"
	last.config.JsonAttributesTopic = p.attributesTopic("last_solve")

	lastErr := p.sensor("last_error", "Last Error", "mdi:alert")
	lastErr.config.EntityCategory = "diagnostic"

	return []sensorDef{uptime, version, ok, failed, attempts, last, lastErr}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published", "entity", s.entity, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var completed <-chan events.Event
	if p.bus != nil {
		ch := p.bus.Subscribe(16)
		defer p.bus.Unsubscribe(ch)
		completed = ch
	}

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case e := <-completed:
			if e.Kind != events.KindRequestComplete {
				continue
			}
			p.publishLastResult(ctx, e)
			p.publishStates(ctx)
		}
	}
}

// stateValues renders sensor states. Every sensor in
// sensorDefinitions has an entry.
func stateValues(stats StatsSource) map[string]string {
	s := stats.SolveStats()
	states := map[string]string{
		"uptime":        strconv.FormatInt(int64(stats.Uptime()/time.Second), 10),
		"version":       stats.Version(),
		"solves_ok":     strconv.FormatInt(s.OK, 10),
		"solves_failed": strconv.FormatInt(s.Failed, 10),
		"attempts":      strconv.FormatInt(s.Attempts, 10),
		"last_solve":    "unknown",
		"last_error":    "none",
	}
	if !s.LastSolve.IsZero() {
		states["last_solve"] = s.LastSolve.UTC().Format(time.RFC3339)
	}
	if s.LastError != "" {
		states["last_error"] = s.LastError
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil || p.stats == nil {
		return
	}
	states := stateValues(p.stats)
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt sensor states published", "entities", len(states))
}

// publishLastResult sends the finished request's details as the
// last_solve sensor's attributes.
func (p *Publisher) publishLastResult(ctx context.Context, e events.Event) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(e.Data)
	if err != nil {
		p.logger.Debug("mqtt marshal last result", "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.attributesTopic("last_solve"),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt last result publish failed", "error", err)
	}
}

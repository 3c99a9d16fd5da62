package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/device-hub-core/internal/auth"
	"github.com/nerrad567/device-hub-core/internal/device"
	"github.com/nerrad567/device-hub-core/internal/dispatch"
	"github.com/nerrad567/device-hub-core/internal/entity"
	subscriptionpkg "github.com/nerrad567/device-hub-core/internal/subscription"
)

// bridgeSubscriberID identifies the bridge's standing command
// subscription in the dispatch layer.
const bridgeSubscriberID = "mqtt-bridge"

// Bridge connects MQTT-attached devices to the hub's entity flow.
//
// Inbound, it subscribes to the per-device notification and command
// update topics and appends each payload through the entity store, so
// MQTT traffic reaches pollers and WebSocket subscribers the same way
// REST inserts do. Outbound, it holds a wildcard command subscription
// and republishes every dispatched command to the device's command
// topic.
type Bridge struct {
	client     *Client
	store      entity.Store
	registry   *device.Registry
	dispatcher *dispatch.Dispatcher
	subs       *subscriptionpkg.Registry
	logger     Logger

	principal *auth.Principal
	cancel    context.CancelFunc
}

// notificationPayload is the wire shape devices publish on
// devicehub/notification/{deviceGuid}.
type notificationPayload struct {
	Notification string          `json:"notification"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

// updatePayload is the wire shape devices publish on
// devicehub/update/{deviceGuid}.
type updatePayload struct {
	ID     int64           `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// commandFrame is the wire shape the hub publishes on
// devicehub/command/{deviceGuid}.
type commandFrame struct {
	ID         int64           `json:"id"`
	Command    string          `json:"command"`
	Timestamp  string          `json:"timestamp"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// NewBridge creates a bridge over an established MQTT connection.
func NewBridge(client *Client, store entity.Store, registry *device.Registry, subs *subscriptionpkg.Registry, dispatcher *dispatch.Dispatcher, logger Logger) *Bridge {
	return &Bridge{
		client:     client,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		subs:       subs,
		logger:     logger,
		principal: &auth.Principal{
			Kind:        auth.KindAccessKey,
			ID:          bridgeSubscriberID,
			Role:        auth.RoleAdmin,
			Permissions: []auth.PermissionRecord{{}},
		},
	}
}

// Start subscribes to the inbound device topics and attaches the
// outbound command pump. It returns once the subscriptions are in
// place; delivery runs in the background until ctx is cancelled or
// Close is called.
func (b *Bridge) Start(ctx context.Context) error {
	qos := byte(b.client.cfg.QoS)

	err := b.client.Subscribe(Topics{}.AllDeviceNotifications(), qos, b.handleNotification)
	if err != nil {
		return fmt.Errorf("subscribing to device notifications: %w", err)
	}
	if err := b.client.Subscribe(Topics{}.AllDeviceCommandUpdates(), qos, b.handleCommandUpdate); err != nil {
		return fmt.Errorf("subscribing to command updates: %w", err)
	}

	ctx, b.cancel = context.WithCancel(ctx)
	go b.pump(ctx)
	return nil
}

// Close stops the outbound pump and detaches the bridge from the
// dispatch layer. The MQTT client itself is owned by the caller.
func (b *Bridge) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.dispatcher.DetachSink(bridgeSubscriberID)
}

// pump drains dispatched commands and republishes them to per-device
// command topics. If the dispatcher tears the sink down after an
// overflow, the pump re-attaches with a fresh queue.
func (b *Bridge) pump(ctx context.Context) {
	for {
		sink, err := b.attach()
		if err != nil {
			b.logger.Error("MQTT bridge could not attach to dispatcher", "error", err)
			return
		}

		reason, done := b.drain(ctx, sink)
		if done {
			return
		}
		b.logger.Warn("MQTT bridge sink closed, re-attaching", "reason", reason)
	}
}

// attach registers the wildcard command subscription and a fresh sink.
// The subscription stays gated until the sink is in place; commands
// appended in between are drained from the gate buffer and published
// directly rather than dropped against a missing sink.
func (b *Bridge) attach() (*dispatch.ChannelSink, error) {
	sub, err := b.subs.Subscribe(b.principal, bridgeSubscriberID, subscriptionpkg.Request{
		Kind: entity.KindCommand,
		Mode: subscriptionpkg.ModePush,
	})
	if err != nil {
		return nil, err
	}
	sink := dispatch.NewChannelSink(defaultBridgeQueueSize)
	b.dispatcher.AttachSink(bridgeSubscriberID, sink)
	for _, e := range sub.Release() {
		if e.IsUpdate {
			continue
		}
		b.publishCommand(e)
	}
	return sink, nil
}

// drain forwards deliveries until the sink closes or ctx is cancelled.
// The second return value reports whether the pump should exit.
func (b *Bridge) drain(ctx context.Context, sink *dispatch.ChannelSink) (string, bool) {
	for {
		select {
		case <-ctx.Done():
			return "", true
		case reason := <-sink.Closed:
			return reason, false
		case d := <-sink.C:
			// Command updates flow hub-to-client, not hub-to-device.
			if d.Entity.IsUpdate {
				continue
			}
			b.publishCommand(d.Entity)
		}
	}
}

// publishCommand sends one dispatched command to its device's topic.
func (b *Bridge) publishCommand(e *entity.Entity) {
	frame := commandFrame{
		ID:         e.ID,
		Command:    e.Name,
		Timestamp:  e.Timestamp.Format(timestampLayout),
		Parameters: e.Parameters,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		b.logger.Error("encoding command frame", "device", e.DeviceID, "error", err)
		return
	}
	topic := Topics{}.DeviceCommand(e.DeviceID)
	if err := b.client.Publish(topic, payload, byte(b.client.cfg.QoS), false); err != nil {
		b.logger.Warn("publishing command", "topic", topic, "error", err)
	}
}

// handleNotification appends a device-published notification.
func (b *Bridge) handleNotification(topic string, payload []byte) error {
	guid := DeviceFromTopic(topic)
	if guid == "" {
		return fmt.Errorf("notification on unrecognised topic %q", topic)
	}

	var msg notificationPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding notification from %s: %w", guid, err)
	}

	ctx := context.Background()
	networkID, err := b.registry.NetworkID(ctx, guid)
	if err != nil {
		return fmt.Errorf("resolving device %s: %w", guid, err)
	}

	e := &entity.Entity{
		Kind:       entity.KindNotification,
		DeviceID:   guid,
		NetworkID:  networkID,
		Name:       msg.Notification,
		Parameters: msg.Parameters,
		Origin:     bridgeSubscriberID,
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("notification from %s: %w", guid, err)
	}
	if err := b.store.Append(ctx, e); err != nil {
		return fmt.Errorf("appending notification from %s: %w", guid, err)
	}

	if err := b.registry.MarkSeen(ctx, guid, true); err != nil {
		b.logger.Warn("marking device seen", "device", guid, "error", err)
	}
	return nil
}

// handleCommandUpdate appends a device-published command result.
func (b *Bridge) handleCommandUpdate(topic string, payload []byte) error {
	guid := DeviceFromTopic(topic)
	if guid == "" {
		return fmt.Errorf("update on unrecognised topic %q", topic)
	}

	var msg updatePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding update from %s: %w", guid, err)
	}

	ctx := context.Background()
	original, err := b.store.Get(ctx, entity.KindCommand, guid, msg.ID)
	if err != nil {
		return fmt.Errorf("resolving command %d for %s: %w", msg.ID, guid, err)
	}

	update := &entity.Entity{
		ID:        msg.ID,
		Kind:      entity.KindCommand,
		IsUpdate:  true,
		DeviceID:  guid,
		NetworkID: original.NetworkID,
		Name:      original.Name,
		Status:    msg.Status,
		Result:    msg.Result,
		Origin:    bridgeSubscriberID,
	}
	if err := b.store.Append(ctx, update); err != nil {
		return fmt.Errorf("appending update for command %d on %s: %w", msg.ID, guid, err)
	}

	if err := b.registry.MarkSeen(ctx, guid, true); err != nil {
		b.logger.Warn("marking device seen", "device", guid, "error", err)
	}
	return nil
}

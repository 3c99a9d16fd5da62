// Package mqtt provides the MQTT device channel for Device Hub.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Constrained devices that cannot hold a WebSocket open talk to the hub
// over MQTT instead. They publish notifications and command results to
// per-device topics; the hub subscribes to those with wildcards, appends
// the payloads through the same entity store as the REST and WebSocket
// surfaces, and publishes every dispatched command back out to the
// device's command topic.
//
//	Devices ↔ MQTT Broker ↔ Device Hub
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to notifications from every device
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceNotifications(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a command to one device
//	topic := mqtt.Topics{}.DeviceCommand("thermostat-7")
//	client.Publish(topic, []byte(`{"command":"set","parameters":{"target":21}}`), 1, false)
package mqtt

// Package mqtt provides the broker connection used by telemetry ingestion
// and the telemetry simulator.
//
// This package manages:
//   - Single-attempt connections (no library auto-reconnect)
//   - Topic subscriptions with acknowledgement logging
//   - Message publishing with QoS validation
//   - Builders for the telemetry topic grammar (Topics)
//
// # Reconnection
//
// The client deliberately leaves reconnection to its owner. The ingestion
// pipeline runs a supervisor that calls Connect on a fixed interval while
// disconnected and re-subscribes from the OnConnect callback, so there is
// exactly one retry policy in the process.
//
// # Delivery
//
// Messages are delivered in arrival order on a single goroutine. Handlers
// should enqueue and return; slow handlers stall the whole session.
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT)
//	client.SetOnConnect(func() {
//	    client.Subscribe(mqtt.Topics{Root: "hospital"}.RFIDFilter(), 0, handler)
//	})
//	if err := client.Connect(ctx); err != nil {
//	    // retry later
//	}
//	defer client.Close()
package mqtt

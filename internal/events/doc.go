// Package events provides the event fan-out bus for Sonata Core.
//
// The bus decouples the synchronization engine from presentation
// technology: the registry and error log publish change events, and any
// number of observers (HTTP/WebSocket shell, MQTT bridge, tests) receive
// them without the engine knowing who is listening.
//
// # Delivery Guarantees
//
//   - Events are delivered at least once, in publish order.
//   - Publish never blocks the caller: events are queued and drained by a
//     single dispatcher goroutine.
//   - A panicking or failing observer is isolated. Its panic is recovered
//     and logged; other observers and the engine are unaffected.
//
// # Usage
//
//	bus := events.NewBus(logger)
//	defer bus.Close()
//
//	unsubscribe := bus.Subscribe(func(ev events.Event) {
//	    // react to ev.Kind / ev.Payload
//	})
//	defer unsubscribe()
//
//	bus.Publish(events.Event{Kind: events.KindDeviceUpdated, Payload: snapshot})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package events

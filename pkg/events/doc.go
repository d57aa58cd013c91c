/*
Package events provides an in-memory event broker for operator-visible
cluster events.

The master publishes an Event for every state-changing fact it learns:
workers registering or being removed, applications and drivers coming and
going, executors launching, changing state or being lost, and leadership
changes. Subscribers such as the health server receive them on buffered
channels.

	Publisher -> event queue (100) -> broadcast loop -> subscribers (50 each)

Publishing blocks only while the queue is full. A subscriber whose buffer is
full misses the event instead of stalling the broker.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		fmt.Printf("%s: %s\n", event.Type, event.Message)
	}
*/
package events

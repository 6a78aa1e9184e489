package publish

import (
	"github.com/gopcua/opcua/ua"
)

// QueuedValue is a sampled value waiting to be drained into a publish
// response, together with the client handle that identifies the item to
// the client.
type QueuedValue struct {
	ClientHandle uint32
	Value        *ua.DataValue
}

// MonitoredItemConfig holds the queueing parameters negotiated when the
// item was created.
type MonitoredItemConfig struct {
	// ClientHandle is the client-chosen identifier echoed in notifications
	ClientHandle uint32

	// QueueSize is the maximum number of values queued between publishes.
	// Zero means unbounded.
	QueueSize uint32

	// DiscardOldest determines whether to discard oldest or newest when queue is full
	DiscardOldest bool
}

// MonitoredItem is the publisher's view of a monitored item: a bounded
// FIFO of sampled values filled by the sampling engine and drained by the
// publish callback. The owning subscription destroys it on teardown.
type MonitoredItem struct {
	id       uint32
	config   MonitoredItemConfig
	queue    []QueuedValue
	overflow uint64
	teardown func()
}

// NewMonitoredItem creates an item with an empty queue.
func NewMonitoredItem(itemID uint32, config MonitoredItemConfig) *MonitoredItem {
	return &MonitoredItem{
		id:     itemID,
		config: config,
	}
}

// ID returns the server-assigned monitored item id.
func (m *MonitoredItem) ID() uint32 {
	return m.id
}

// ClientHandle returns the client-chosen handle for this item.
func (m *MonitoredItem) ClientHandle() uint32 {
	return m.config.ClientHandle
}

// QueueLen returns the number of values currently queued.
func (m *MonitoredItem) QueueLen() int {
	return len(m.queue)
}

// Overflows returns how many samples were discarded because the queue was full.
func (m *MonitoredItem) Overflows() uint64 {
	return m.overflow
}

// SetTeardown installs the hook that releases the sampling registration
// when the item is deleted.
func (m *MonitoredItem) SetTeardown(fn func()) {
	m.teardown = fn
}

// Enqueue appends a sampled value. When the queue bound is reached the
// configured discard policy decides whether the oldest queued value or
// the new one is dropped. Must run under the session's serialization
// discipline, like every other operation on the subscription.
func (m *MonitoredItem) Enqueue(value *ua.DataValue) {
	if m.config.QueueSize > 0 && uint32(len(m.queue)) >= m.config.QueueSize {
		m.overflow++
		if !m.config.DiscardOldest {
			return
		}
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, QueuedValue{
		ClientHandle: m.config.ClientHandle,
		Value:        value,
	})
}

// dequeue removes and returns the oldest queued value. The caller must
// check QueueLen first.
func (m *MonitoredItem) dequeue() QueuedValue {
	qv := m.queue[0]
	m.queue[0] = QueuedValue{}
	m.queue = m.queue[1:]
	return qv
}

// delete releases the sampling registration and drops all queued values.
func (m *MonitoredItem) delete() {
	if m.teardown != nil {
		m.teardown()
		m.teardown = nil
	}
	m.queue = nil
}

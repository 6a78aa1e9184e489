package publish

import (
	"container/list"

	"github.com/gopcua/opcua/ua"
)

// retransmissionQueue keeps the notification messages that have been sent
// but not yet acknowledged, newest at the front. Clients may acknowledge
// any entry or ask for it to be republished; when the configured bound is
// reached the oldest entry is evicted first.
type retransmissionQueue struct {
	entries *list.List // of *ua.NotificationMessage, front = newest
}

func newRetransmissionQueue() *retransmissionQueue {
	return &retransmissionQueue{entries: list.New()}
}

// len returns the number of retained messages.
func (q *retransmissionQueue) len() int {
	return q.entries.Len()
}

// push inserts a message at the head. If max is positive and the queue is
// full, the oldest entry is evicted first and returned so the caller can
// account for it.
func (q *retransmissionQueue) push(message *ua.NotificationMessage, max int) *ua.NotificationMessage {
	var evicted *ua.NotificationMessage
	if max > 0 && q.entries.Len() >= max {
		oldest := q.entries.Back()
		q.entries.Remove(oldest)
		evicted = oldest.Value.(*ua.NotificationMessage)
	}
	q.entries.PushFront(message)
	return evicted
}

// remove deletes the entry with the given sequence number. It reports
// whether an entry was found.
func (q *retransmissionQueue) remove(sequenceNumber uint32) bool {
	for e := q.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(*ua.NotificationMessage).SequenceNumber == sequenceNumber {
			q.entries.Remove(e)
			return true
		}
	}
	return false
}

// find returns the retained message with the given sequence number, or nil.
func (q *retransmissionQueue) find(sequenceNumber uint32) *ua.NotificationMessage {
	for e := q.entries.Front(); e != nil; e = e.Next() {
		if msg := e.Value.(*ua.NotificationMessage); msg.SequenceNumber == sequenceNumber {
			return msg
		}
	}
	return nil
}

// sequenceNumbers snapshots the retained sequence numbers in queue order,
// newest first. A nil slice is returned for an empty queue.
func (q *retransmissionQueue) sequenceNumbers() []uint32 {
	if q.entries.Len() == 0 {
		return nil
	}
	numbers := make([]uint32, 0, q.entries.Len())
	for e := q.entries.Front(); e != nil; e = e.Next() {
		numbers = append(numbers, e.Value.(*ua.NotificationMessage).SequenceNumber)
	}
	return numbers
}

// clear drops all retained messages.
func (q *retransmissionQueue) clear() {
	q.entries.Init()
}

// Package eventbus fans session events out to any number of subscribers, and
// serves them to websocket clients as JSON envelopes.
package eventbus

import (
	"sync"
	"time"

	"bluetooth-serial/internal/connmgr"
)

const subscriberBuffer = 64

// Envelope is the JSON form of one session event.
type Envelope struct {
	Type      connmgr.EventType `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      any               `json:"data"`
}

// StateData is the payload of state_changed.
type StateData struct {
	State connmgr.State `json:"state"`
}

// PeerData is the payload of device_identified.
type PeerData struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// TrafficData is the payload of data_received and data_sent. Bytes is
// base64-encoded by encoding/json; Text is the same bytes as a string.
type TrafficData struct {
	Bytes  []byte `json:"bytes"`
	Text   string `json:"text"`
	Length int    `json:"length"`
}

// NoticeData is the payload of notice.
type NoticeData struct {
	Text string `json:"text"`
}

type subscriber struct {
	ch   chan Envelope
	once sync.Once
}

// Bus is a connmgr.EventSink that copies every event to its subscribers.
// Publishing never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	now  func() time.Time
}

var _ connmgr.EventSink = (*Bus)(nil)

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{}), now: time.Now}
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// closes the channel; calling it more than once is harmless.
func (b *Bus) Subscribe() (<-chan Envelope, func()) {
	s := &subscriber{ch: make(chan Envelope, subscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish sends e to every current subscriber.
func (b *Bus) Publish(e Envelope) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// HandleEvent converts ev to an Envelope and publishes it.
func (b *Bus) HandleEvent(ev connmgr.Event) {
	b.Publish(Envelope{Type: ev.Type, Data: payload(ev)})
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func payload(ev connmgr.Event) any {
	switch ev.Type {
	case connmgr.EventStateChanged:
		return StateData{State: ev.State}
	case connmgr.EventDeviceIdentified:
		return PeerData{Address: ev.Peer.Address, Name: ev.Peer.DisplayName()}
	case connmgr.EventDataReceived, connmgr.EventDataSent:
		return TrafficData{Bytes: ev.Data, Text: string(ev.Data), Length: len(ev.Data)}
	case connmgr.EventNotice:
		return NoticeData{Text: ev.Text}
	}
	return nil
}

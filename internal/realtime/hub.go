package realtime

import (
	"context"
	"sync"

	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
)

const defaultSubscriberBuffer = 32

// Hub fans events out to the views connected to this process. It implements
// ledger.Notifier. A subscriber that falls behind loses events rather than
// blocking writers; views recover by reloading the ledger.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	buffer      int
}

type subscriber struct {
	userID string
	events chan Event
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[*subscriber]struct{}), buffer: defaultSubscriberBuffer}
}

// Subscribe registers a view for userID; the zero UserID is an anonymous
// view. The returned cancel func unregisters it and closes the channel.
func (hub *Hub) Subscribe(userID ledger.UserID) (<-chan Event, func()) {
	registered := &subscriber{userID: userID.String(), events: make(chan Event, hub.buffer)}
	hub.mu.Lock()
	hub.subscribers[registered] = struct{}{}
	hub.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			hub.mu.Lock()
			delete(hub.subscribers, registered)
			hub.mu.Unlock()
			close(registered.events)
		})
	}
	return registered.events, cancel
}

// Publish delivers event to every interested subscriber without blocking.
func (hub *Hub) Publish(event Event) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for registered := range hub.subscribers {
		if event.Subject != "" && event.Subject != registered.userID {
			continue
		}
		select {
		case registered.events <- event:
		default:
		}
	}
}

// Subscribers reports how many views are connected.
func (hub *Hub) Subscribers() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.subscribers)
}

func (hub *Hub) EntryAppended(_ context.Context, entry ledger.Entry) {
	hub.Publish(entryAppendedEvent(entry))
}

func (hub *Hub) TotalsChanged(_ context.Context, totals ledger.Totals) {
	hub.Publish(totalsChangedEvent(totals))
}

func (hub *Hub) IdentityChanged(_ context.Context, userID ledger.UserID, identity ledger.Identity) {
	hub.Publish(identityChangedEvent(userID, identity))
}

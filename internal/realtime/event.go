// Package realtime carries ledger change notifications to connected views,
// in process through Hub and across processes through Redis pub/sub.
package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
)

// EventType names a change notification.
type EventType string

const (
	EventEntryAppended   EventType = "entry_appended"
	EventTotalsChanged   EventType = "totals_changed"
	EventIdentityChanged EventType = "identity_changed"
)

// Event is one change notification. Subject is set on identity events and
// limits delivery to that user's views.
type Event struct {
	Type     EventType     `json:"type"`
	Subject  string        `json:"subject,omitempty"`
	Entry    *ledger.Entry `json:"entry,omitempty"`
	Totals   *TotalsView   `json:"totals,omitempty"`
	Identity *IdentityView `json:"identity,omitempty"`
}

// TotalsView is the display form of ledger.Totals.
type TotalsView struct {
	Paid        ledger.Amount `json:"paid"`
	PaidDisplay string        `json:"paid_display"`
	TimeSeconds int64         `json:"time_seconds"`
	Time        string        `json:"time"`
}

// IdentityView is the display form of ledger.Identity.
type IdentityView struct {
	SignedIn    bool   `json:"signed_in"`
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	IsAdmin     bool   `json:"is_admin"`
}

// NewTotalsView formats totals for display.
func NewTotalsView(totals ledger.Totals) TotalsView {
	return TotalsView{
		Paid:        totals.Paid,
		PaidDisplay: ledger.FormatCurrency(totals.Paid),
		TimeSeconds: totals.Time.Int64(),
		Time:        ledger.FormatDuration(totals.Time),
	}
}

// NewIdentityView formats an identity for display.
func NewIdentityView(identity ledger.Identity) IdentityView {
	return IdentityView{
		SignedIn:    identity.IsAuthenticated(),
		UserID:      identity.UserID.String(),
		DisplayName: identity.DisplayName,
		IsAdmin:     identity.IsAdmin,
	}
}

func entryAppendedEvent(entry ledger.Entry) Event {
	return Event{Type: EventEntryAppended, Entry: &entry}
}

func totalsChangedEvent(totals ledger.Totals) Event {
	view := NewTotalsView(totals)
	return Event{Type: EventTotalsChanged, Totals: &view}
}

func identityChangedEvent(userID ledger.UserID, identity ledger.Identity) Event {
	view := NewIdentityView(identity)
	return Event{Type: EventIdentityChanged, Subject: userID.String(), Identity: &view}
}

// EncodeEvent serializes an event for the wire.
func EncodeEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// DecodeEvent parses an event received from the wire.
func DecodeEvent(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch event.Type {
	case EventEntryAppended:
		if event.Entry == nil {
			return Event{}, fmt.Errorf("decode event: %s without entry", event.Type)
		}
	case EventTotalsChanged:
		if event.Totals == nil {
			return Event{}, fmt.Errorf("decode event: %s without totals", event.Type)
		}
	case EventIdentityChanged:
		if event.Identity == nil || event.Subject == "" {
			return Event{}, fmt.Errorf("decode event: %s without subject", event.Type)
		}
	default:
		return Event{}, fmt.Errorf("decode event: unknown type %q", event.Type)
	}
	return event, nil
}

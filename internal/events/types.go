package events

import "time"

// Event enumerates the notification topics inside the controller. Every
// state transition that changes money exposure publishes one of these;
// routine no-signal ticks publish nothing.
type Event string

const (
	EventEntryOpened    Event = "entry.opened"
	EventPartialTaken   Event = "position.partial_taken"
	EventStopMoved      Event = "position.stop_moved"
	EventPositionClosed Event = "position.closed"
	EventFlattened      Event = "position.flattened"
	EventHealed         Event = "reconcile.healed"
	EventCriticalAlert  Event = "alert.critical"
	EventTradingPaused  Event = "trading.paused"
	EventTradingResumed Event = "trading.resumed"
)

// Note is the payload published on the bus for exposure-changing transitions.
type Note struct {
	Event       Event
	Symbol      string
	Side        string
	Qty         float64
	Price       float64
	Stop        float64
	RealizedPnL float64
	Reason      string
	At          time.Time
}

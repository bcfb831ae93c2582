package monitor

import (
	"context"
	"fmt"
	"log"

	"perp-pilot/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log. The default operator channel;
// chat/webhook sinks implement the same interface.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("ALERT: %s", message)
	return nil
}

// Watch forwards bus notes to the sink (critical alerts verbatim, exposure
// changes as one-liners) and keeps metrics up to date. Runs until ctx done.
func Watch(ctx context.Context, bus *events.Bus, sink AlertSink) {
	ch, unsub := bus.SubscribeAll(256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-ch:
				if !ok {
					return
				}
				observe(n)
				if err := sink.Send(format(n)); err != nil {
					log.Printf("monitor: alert sink error: %v", err)
				}
			}
		}
	}()
}

func format(n events.Note) string {
	switch n.Event {
	case events.EventCriticalAlert:
		return fmt.Sprintf("[CRITICAL] %s: %s", n.Symbol, n.Reason)
	case events.EventPositionClosed:
		return fmt.Sprintf("%s closed %s qty=%.6f pnl=%.2f (%s)", n.Symbol, n.Side, n.Qty, n.RealizedPnL, n.Reason)
	case events.EventFlattened:
		return fmt.Sprintf("%s FLATTENED qty=%.6f: %s", n.Symbol, n.Qty, n.Reason)
	default:
		return fmt.Sprintf("%s %s qty=%.6f price=%.4f stop=%.4f %s", n.Symbol, n.Event, n.Qty, n.Price, n.Stop, n.Reason)
	}
}

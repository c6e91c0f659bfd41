package monitor

import (
	"context"

	"go.uber.org/zap"

	"tradesim-core/internal/events"
)

// Monitor forwards operator alerts from the bus to a sink.
type Monitor struct {
	Bus    *events.Bus
	Sink   AlertSink
	Logger *zap.Logger
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		if m.Logger != nil {
			m.Logger.Info("monitor not fully configured; skipping")
		}
		return
	}
	stream, unsub := m.Bus.Subscribe(50, events.EventLedgerAnomaly)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.forward(msg)
			}
		}
	}()
}

func (m *Monitor) forward(msg events.Message) {
	alert, ok := msg.Payload.(events.Alert)
	if !ok {
		alert = events.Alert{Message: string(msg.Event)}
	}
	if err := m.Sink.Send(alert.Message, alert.Fields); err != nil && m.Logger != nil {
		m.Logger.Error("alert delivery failed", zap.Error(err))
	}
}

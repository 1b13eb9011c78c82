// ABOUTME: Backend event loop turning mirror changes into dashboard notifications
// ABOUTME: Device changes map to charger and car events; energy manager changes refresh chargers

package gateway

import (
	"context"

	"github.com/2389/evdash-gateway/internal/backend"
	"github.com/2389/evdash-gateway/internal/entity"
)

func (g *Gateway) backends() []*backend.Client {
	return []*backend.Client{g.things, g.energy, g.sessions}
}

// eventLoop consumes backend events until ctx is done.
func (g *Gateway) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-g.things.Events():
			g.handleBackendEvent(ev)
		case ev := <-g.energy.Events():
			g.handleBackendEvent(ev)
		case ev := <-g.sessions.Events():
			g.handleBackendEvent(ev)
		}
	}
}

func (g *Gateway) handleBackendEvent(ev backend.Event) {
	g.metrics.backendEvents.WithLabelValues(ev.Backend, ev.Kind.String()).Inc()

	if ev.Kind == backend.EventAvailability {
		g.setBackendAvailable(ev.Backend, ev.Available)
		return
	}

	switch ev.Backend {
	case BackendThings:
		g.handleDeviceEvent(ev)
	case BackendEnergyManager:
		g.handleEnergyEvent(ev)
	}
}

// handleDeviceEvent notifies about charger and car changes. A car change also
// refreshes every charger the car is assigned to, since they show its name.
func (g *Gateway) handleDeviceEvent(ev backend.Event) {
	switch entity.KindOf(ev.Record) {
	case entity.KindCharger:
		g.fanout.Broadcast(chargerEvent(ev.Kind), g.entities.BuildCharger(ev.Record))

	case entity.KindCar:
		g.fanout.Broadcast(carEvent(ev.Kind), entity.BuildCar(ev.Record))
		for _, id := range g.entities.ChargersAssignedTo(ev.ID) {
			if view, ok := g.entities.Charger(id); ok {
				g.fanout.Broadcast(EventChargerChanged, view)
			}
		}
	}
}

// handleEnergyEvent re-sends the charger whose energy manager entry changed.
func (g *Gateway) handleEnergyEvent(ev backend.Event) {
	view, ok := g.entities.Charger(ev.ID)
	if !ok {
		return
	}
	g.fanout.Broadcast(EventChargerChanged, view)
}

func (g *Gateway) setBackendAvailable(name string, available bool) {
	value := 0.0
	if available {
		value = 1
	}
	g.metrics.backendAvailable.WithLabelValues(name).Set(value)
	g.logger.Info("backend availability changed", "backend", name, "available", available)

	if g.healthServer == nil {
		return
	}
	g.healthServer.SetServingStatus(name, servingStatus(available))

	all := true
	for _, c := range g.backends() {
		all = all && c.Available()
	}
	g.healthServer.SetServingStatus("", servingStatus(all))
}

func chargerEvent(kind backend.EventKind) string {
	switch kind {
	case backend.EventAdded:
		return EventChargerAdded
	case backend.EventRemoved:
		return EventChargerRemoved
	default:
		return EventChargerChanged
	}
}

func carEvent(kind backend.EventKind) string {
	switch kind {
	case backend.EventAdded:
		return EventCarAdded
	case backend.EventRemoved:
		return EventCarRemoved
	default:
		return EventCarChanged
	}
}

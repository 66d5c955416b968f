package ws

import (
	log "github.com/sirupsen/logrus"

	"tasksync-api/domain"
)

// Dispatcher fans change events out to every live connection of the owning
// user. Delivery is fire-and-forget: a connection that cannot accept the
// frame is dropped and deregistered, and never delays its siblings or the
// caller.
type Dispatcher struct {
	registry *Registry
	logger   *log.Logger
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch pushes the event to all of the owner's connections. Sequential
// calls for one owner reach each individual connection in call order; no
// ordering is promised across connections or owners. Never returns an
// error and never blocks on a slow client.
func (d *Dispatcher) Dispatch(userID string, ev domain.Event) {
	clients := d.registry.ConnectionsFor(userID)
	if len(clients) == 0 {
		return
	}
	data, err := marshalEnvelope(Envelope{T: msgTaskSync, D: ev})
	if err != nil {
		d.logger.WithError(err).WithField("user", userID).Error("failed to encode change event")
		return
	}
	sent := 0
	for _, c := range clients {
		if c.TrySend(data) {
			sent++
			continue
		}
		// Stale or saturated connection; drop it so it cannot leak.
		d.logger.WithFields(log.Fields{
			"user":       userID,
			"connection": c.ID(),
			"action":     ev.Action,
		}).Warn("send failed, deregistering connection")
		d.registry.Deregister(c.ID())
		c.Close()
	}
	d.logger.WithFields(log.Fields{
		"user":    userID,
		"action":  ev.Action,
		"devices": sent,
	}).Debug("change event dispatched")
}

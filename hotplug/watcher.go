// Package hotplug turns periodic port enumeration into attach and detach
// events.
package hotplug

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"rakgateway/serialcomm"
)

// DefaultPollInterval is how often the port list is refreshed.
const DefaultPollInterval = time.Second

type Kind int

const (
	Attach Kind = iota + 1
	Detach
)

func (k Kind) String() string {
	switch k {
	case Attach:
		return "attach"
	case Detach:
		return "detach"
	default:
		return "unknown"
	}
}

// Event reports a USB serial device appearing or disappearing.
type Event struct {
	Kind     Kind
	Identity serialcomm.DeviceIdentity
	Port     string
}

// Watcher polls an Enumerator and reports the difference between
// consecutive port lists. Ports present on the first poll are reported as
// attaches.
type Watcher struct {
	enum     serialcomm.Enumerator
	interval time.Duration
	log      *zap.Logger

	known map[string]serialcomm.PortInfo
}

func NewWatcher(enum serialcomm.Enumerator, interval time.Duration, log *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		enum:     enum,
		interval: interval,
		log:      log.Named("hotplug"),
		known:    make(map[string]serialcomm.PortInfo),
	}
}

// Watch starts polling and returns the event stream. Events are delivered
// in order on a single channel, which is closed once ctx is done.
func (w *Watcher) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			for _, ev := range w.poll() {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// poll enumerates once and returns detaches followed by attaches, each in
// port name order. An enumeration failure keeps the previous view.
func (w *Watcher) poll() []Event {
	ports, err := w.enum.Ports()
	if err != nil {
		w.log.Warn("port enumeration failed", zap.Error(err))
		return nil
	}

	current := make(map[string]serialcomm.PortInfo, len(ports))
	for _, p := range ports {
		if p.IsUSB {
			current[p.Name] = p
		}
	}

	var detached, attached []Event
	for name, p := range w.known {
		if c, ok := current[name]; !ok || !c.Identity.Matches(p.Identity) {
			detached = append(detached, Event{Kind: Detach, Identity: p.Identity, Port: name})
		}
	}
	for name, p := range current {
		if k, ok := w.known[name]; !ok || !k.Identity.Matches(p.Identity) {
			attached = append(attached, Event{Kind: Attach, Identity: p.Identity, Port: name})
		}
	}
	sortEvents(detached)
	sortEvents(attached)
	w.known = current

	events := append(detached, attached...)
	for _, ev := range events {
		w.log.Debug("usb event",
			zap.Stringer("kind", ev.Kind),
			zap.Stringer("identity", ev.Identity),
			zap.String("port", ev.Port))
	}
	return events
}

func sortEvents(evs []Event) {
	sort.Slice(evs, func(i, j int) bool { return evs[i].Port < evs[j].Port })
}

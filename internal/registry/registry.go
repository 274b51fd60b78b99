// Package registry tracks the producers of a hub and announces every
// change on the event bus.
//
// Lifecycle events are published with source EventSourceID and carry the
// UID of the affected producer.
package registry

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/eventbus"
	"github.com/xtxerr/obshub/internal/logging"
	"github.com/xtxerr/obshub/internal/model"
)

// EventSourceID is the source of every lifecycle event of a registry.
const EventSourceID = "urn:obshub:registry"

// Module is anything the registry can hold. Only modules implementing
// model.Producer resolve as data producers.
type Module interface {
	UID() string
}

// Toggler is implemented by modules that can be enabled and disabled.
type Toggler interface {
	SetEnabled(enabled bool)
}

// MemberManager is implemented by producer groups accepting members at
// runtime.
type MemberManager interface {
	AddMember(p model.Producer) error
	RemoveMember(uid string) bool
}

// Registry holds the top-level modules of a hub.
//
// Registry is safe for concurrent use.
type Registry struct {
	bus    eventbus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	modules map[string]Module
}

// New creates an empty registry publishing on bus.
func New(bus eventbus.Bus) *Registry {
	return &Registry{
		bus:     bus,
		logger:  logging.Component("registry"),
		modules: make(map[string]Module),
	}
}

// Register adds m and publishes an Added event.
func (r *Registry) Register(ctx context.Context, m Module) error {
	uid := m.UID()
	if uid == "" {
		return errors.NewMissingField("uid")
	}

	r.mu.Lock()
	if _, ok := r.modules[uid]; ok {
		r.mu.Unlock()
		return errors.NewAlreadyExists("module", uid)
	}
	r.modules[uid] = m
	r.mu.Unlock()

	r.logger.Info("module registered", "uid", uid)
	return r.publish(ctx, eventbus.KindProducerAdded, uid)
}

// Unregister removes the module uid and publishes a Removed event.
func (r *Registry) Unregister(ctx context.Context, uid string) error {
	r.mu.Lock()
	if _, ok := r.modules[uid]; !ok {
		r.mu.Unlock()
		return errors.NewNotFound("module", uid)
	}
	delete(r.modules, uid)
	r.mu.Unlock()

	r.logger.Info("module unregistered", "uid", uid)
	return r.publish(ctx, eventbus.KindProducerRemoved, uid)
}

// Enable enables the module uid and publishes an Enabled event.
func (r *Registry) Enable(ctx context.Context, uid string) error {
	return r.toggle(ctx, uid, true)
}

// Disable disables the module uid and publishes a Disabled event.
func (r *Registry) Disable(ctx context.Context, uid string) error {
	return r.toggle(ctx, uid, false)
}

func (r *Registry) toggle(ctx context.Context, uid string, enabled bool) error {
	m, err := r.lookup(uid)
	if err != nil {
		return err
	}

	t, ok := m.(Toggler)
	if !ok {
		return errors.Wrapf(errors.ErrUnsupported, "toggle module %s", uid)
	}
	t.SetEnabled(enabled)

	kind := eventbus.KindProducerDisabled
	if enabled {
		kind = eventbus.KindProducerEnabled
	}
	r.logger.Info("module state changed", "uid", uid, "enabled", enabled)
	return r.publish(ctx, kind, uid)
}

// AddMember adds p to the group groupUID and publishes an Added event for
// the member.
func (r *Registry) AddMember(ctx context.Context, groupUID string, p model.Producer) error {
	mm, err := r.group(groupUID)
	if err != nil {
		return err
	}
	if err := mm.AddMember(p); err != nil {
		return errors.Wrapf(err, "add member to %s", groupUID)
	}

	r.logger.Info("member added", "group", groupUID, "uid", p.UID())
	return r.publish(ctx, eventbus.KindProducerAdded, p.UID())
}

// RemoveMember removes the member uid from the group groupUID and
// publishes a Removed event for it.
func (r *Registry) RemoveMember(ctx context.Context, groupUID, uid string) error {
	mm, err := r.group(groupUID)
	if err != nil {
		return err
	}
	if !mm.RemoveMember(uid) {
		return errors.NewNotFound("member", uid)
	}

	r.logger.Info("member removed", "group", groupUID, "uid", uid)
	return r.publish(ctx, eventbus.KindProducerRemoved, uid)
}

func (r *Registry) group(uid string) (MemberManager, error) {
	m, err := r.lookup(uid)
	if err != nil {
		return nil, err
	}
	mm, ok := m.(MemberManager)
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnsupported, "%s is not a producer group", uid)
	}
	return mm, nil
}

// Resolve returns the data producer uid. It fails with ErrNotFound when
// nothing is registered under uid and with ErrInvalidProducerKind when
// the module is not a data producer.
func (r *Registry) Resolve(uid string) (model.Producer, error) {
	m, err := r.lookup(uid)
	if err != nil {
		return nil, err
	}
	p, ok := m.(model.Producer)
	if !ok {
		return nil, errors.Wrapf(errors.ErrInvalidProducerKind, "module %s", uid)
	}
	return p, nil
}

// Get returns the module uid.
func (r *Registry) Get(uid string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[uid]
	return m, ok
}

// UIDs returns the registered UIDs in order.
func (r *Registry) UIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.modules))
}

// Count returns the number of registered modules.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

func (r *Registry) lookup(uid string) (Module, error) {
	m, ok := r.Get(uid)
	if !ok {
		return nil, errors.NewNotFound("module", uid)
	}
	return m, nil
}

func (r *Registry) publish(ctx context.Context, kind eventbus.Kind, uid string) error {
	ev := &eventbus.LifecycleEvent{
		Type:        kind,
		Source:      EventSourceID,
		ProducerUID: uid,
		At:          time.Now(),
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		return errors.Wrapf(errors.Join(errors.ErrDispatch, err), "publish %s event for %s", kind, uid)
	}
	return nil
}

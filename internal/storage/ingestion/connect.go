package ingestion

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/eventbus"
	"github.com/xtxerr/obshub/internal/model"
	"github.com/xtxerr/obshub/internal/storage"
)

// ProducerState is the connection state of one producer.
type ProducerState int

const (
	StateUnknown ProducerState = iota
	StateWaitingForSource
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s ProducerState) String() string {
	switch s {
	case StateWaitingForSource:
		return "waiting_for_source"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ProducerState returns the connection state of uid.
func (a *Adapter) ProducerState(uid string) ProducerState {
	if v, ok := a.states.Load(uid); ok {
		return v.(ProducerState)
	}
	return StateUnknown
}

func (a *Adapter) setState(uid string, s ProducerState) {
	a.states.Store(uid, s)
}

// IsConnected reports whether events of uid are being ingested.
func (a *Adapter) IsConnected(uid string) bool {
	_, ok := a.subs.Load(uid)
	return ok
}

// ConnectedProducers returns the number of subscribed producers.
func (a *Adapter) ConnectedProducers() int {
	n := 0
	a.subs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// resolveRoot looks the root producer up in the registry.
func (a *Adapter) resolveRoot() (model.Producer, error) {
	return a.registry.Resolve(a.cfg.DataSourceID)
}

// lookupProducer finds uid as the root or anywhere in its member tree.
func (a *Adapter) lookupProducer(uid string) (model.Producer, error) {
	root, err := a.resolveRoot()
	if err != nil {
		return nil, err
	}
	if uid == root.UID() {
		return root, nil
	}
	if p, ok := model.FindMember(root, uid); ok {
		return p, nil
	}
	return nil, errors.NewNotFound("producer", uid)
}

// connectRoot connects the root producer if it is registered and enabled.
// Otherwise the adapter waits for a lifecycle event.
func (a *Adapter) connectRoot(ctx context.Context) error {
	uid := a.cfg.DataSourceID

	root, err := a.resolveRoot()
	switch {
	case errors.Is(err, errors.ErrNotFound):
		a.setState(uid, StateWaitingForSource)
		a.reportStatus(waitingStatus + uid)
		return nil
	case errors.Is(err, errors.ErrInvalidProducerKind):
		a.logger.Error("configured data source is not a data producer", "producer", uid, "error", err)
		a.setState(uid, StateWaitingForSource)
		a.reportStatus(waitingStatus + uid)
		return nil
	case err != nil:
		return errors.Wrapf(err, "resolve data source %s", uid)
	}

	if !root.IsEnabled() {
		a.setState(uid, StateWaitingForSource)
		a.reportStatus(waitingStatus + uid)
		return nil
	}

	unlock := a.connectMu.Lock(uid)
	defer unlock()

	if a.IsConnected(uid) {
		return nil
	}

	a.mu.RLock()
	store := a.store
	a.mu.RUnlock()

	if err := a.connectDataSource(ctx, root, store); err != nil {
		a.setState(uid, StateDisconnected)
		return err
	}
	a.clearStatus()
	return nil
}

// connectDataSource stores the metadata of p into ds and subscribes to
// its events. Callers hold the connect lock of p.
func (a *Adapter) connectDataSource(ctx context.Context, p model.Producer, ds storage.Storage) error {
	uid := p.UID()
	a.setState(uid, StateConnecting)
	a.dataStores.Store(uid, ds)

	// description
	latest, err := ds.LatestDescription(ctx)
	if err != nil {
		return errors.Wrapf(err, "read description of %s", uid)
	}
	if latest == nil {
		if err := ds.StoreDescription(ctx, p.CurrentDescription()); err != nil {
			return errors.Wrapf(err, "store description of %s", uid)
		}
	} else if !p.LastDescriptionUpdate().IsZero() {
		if err := ds.UpdateDescription(ctx, p.CurrentDescription()); err != nil {
			return errors.Wrapf(err, "update description of %s", uid)
		}
	}

	// record stores
	outputs := model.SelectOutputs(p, a.cfg.ExcludedOutputs)
	stores, err := ds.RecordStores(ctx)
	if err != nil {
		return errors.Wrapf(err, "list record stores of %s", uid)
	}
	names := make([]string, 0, len(outputs))
	for _, o := range outputs {
		names = append(names, o.Name())
		a.indexers.LoadOrStore(o.Name(), model.NewTimeIndexer(o.Schema()))

		if _, ok := stores[o.Name()]; ok {
			continue
		}
		if err := ds.AddRecordStore(ctx, o.Name(), o.Schema(), o.RecommendedEncoding()); err != nil && !errors.Is(err, errors.ErrAlreadyExists) {
			return errors.Wrapf(err, "add record store %s of %s", o.Name(), uid)
		}
	}

	// current feature of interest
	if foi := p.CurrentFoi(); foi != nil {
		a.fois.Store(uid, foi.UID)
		if fs, ok := a.foiStore(ds); ok {
			if err := fs.StoreFoi(ctx, uid, foi); err != nil {
				return errors.Wrapf(err, "store FOI %s of %s", foi.UID, uid)
			}
		}
	}

	if err := ds.Commit(ctx); err != nil {
		return errors.Wrapf(err, "commit metadata of %s", uid)
	}

	if err := a.subscribeProducer(ctx, p, outputs, names); err != nil {
		return err
	}

	a.setState(uid, StateConnected)
	a.stats.connects.Add(1)
	a.metrics.ProducerConnected()
	a.logger.Info("connected to data source", "producer", uid, "outputs", names)

	group, ok := p.(model.MultiSourceProducer)
	if !ok {
		return nil
	}

	memberUIDs := slices.Sorted(maps.Keys(group.Members()))
	a.membersMu.Lock()
	a.members[uid] = memberUIDs
	a.membersMu.Unlock()

	if !a.isMultiSource() {
		return nil
	}
	for _, muid := range memberUIDs {
		if err := a.ensureProducerInfo(ctx, muid); err != nil {
			a.logger.Error("cannot connect member", "producer", muid, "group", uid, "error", err)
			a.stats.dispatchErrors.Add(1)
			a.metrics.DispatchError()
		}
	}
	return nil
}

// subscribeProducer subscribes to the data, FOI and description events of
// p, then replays the latest record of each output.
func (a *Adapter) subscribeProducer(ctx context.Context, p model.Producer, outputs []model.Output, names []string) error {
	uid := p.UID()
	sel := eventbus.Selector{
		Sources: []string{uid},
		Kinds:   []eventbus.Kind{eventbus.KindData, eventbus.KindFoiChanged, eventbus.KindDescriptionChanged},
		Outputs: names,
	}

	sub, err := a.subscribe(ctx, sel, a.processEvent, fmt.Sprintf("producer %s outputs %v", uid, names))
	if err != nil {
		return err
	}

	a.subs.Store(uid, sub)
	sub.Request(eventbus.Unbounded)

	for _, o := range outputs {
		rec, _, ok := o.LatestRecord()
		if !ok {
			continue
		}
		a.processEvent(ctx, &eventbus.DataEvent{
			ProducerUID: uid,
			Output:      o.Name(),
			Records:     []model.Record{rec},
			At:          a.now(),
		})
	}
	return nil
}

// ensureProducerInfo makes sure member uid of the root producer has a
// sub-store and is connected. Concurrent calls for one UID coalesce.
func (a *Adapter) ensureProducerInfo(ctx context.Context, uid string) error {
	_, err, _ := a.ensure.Do(uid, func() (any, error) {
		unlock := a.connectMu.Lock(uid)
		defer unlock()
		return nil, a.ensureLocked(ctx, uid)
	})
	return err
}

func (a *Adapter) ensureLocked(ctx context.Context, uid string) error {
	ms, ok := a.multiSource()
	if !ok {
		return nil
	}

	root, err := a.resolveRoot()
	if err != nil {
		return errors.Wrapf(err, "resolve data source %s", a.cfg.DataSourceID)
	}
	if _, ok := root.(model.MultiSourceProducer); !ok {
		return nil
	}

	member, ok := model.FindMember(root, uid)
	if !ok {
		a.logger.Debug("not a member of the data source", "producer", uid)
		return nil
	}

	ds, err := ms.DataStore(ctx, uid)
	if errors.IsNotFound(err) {
		ds, err = ms.AddDataStore(ctx, uid)
		if errors.Is(err, errors.ErrAlreadyExists) {
			ds, err = ms.DataStore(ctx, uid)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "data store of %s", uid)
	}

	if a.IsConnected(uid) {
		return nil
	}
	if err := a.connectDataSource(ctx, member, ds); err != nil {
		a.setState(uid, StateDisconnected)
		return err
	}
	if parent, ok := parentOf(root, uid); ok {
		a.adopt(parent, uid)
	}
	return nil
}

// adopt records uid as a member of the group parent so that disconnecting
// the group also disconnects members added after it was connected.
func (a *Adapter) adopt(parent, uid string) {
	a.membersMu.Lock()
	defer a.membersMu.Unlock()

	if !slices.Contains(a.members[parent], uid) {
		a.members[parent] = append(a.members[parent], uid)
	}
}

// parentOf returns the UID of the group directly containing uid.
func parentOf(p model.Producer, uid string) (string, bool) {
	group, ok := p.(model.MultiSourceProducer)
	if !ok {
		return "", false
	}
	members := group.Members()
	if _, ok := members[uid]; ok {
		return p.UID(), true
	}
	for _, m := range members {
		if parent, ok := parentOf(m, uid); ok {
			return parent, true
		}
	}
	return "", false
}

// disconnectTree cancels the subscriptions of uid and of every member
// recorded when it was connected, members first.
func (a *Adapter) disconnectTree(uid string) bool {
	unlock := a.connectMu.Lock(uid)
	defer unlock()

	a.membersMu.Lock()
	memberUIDs, found := a.members[uid]
	delete(a.members, uid)
	a.membersMu.Unlock()

	for _, muid := range memberUIDs {
		a.disconnectTree(muid)
	}

	if v, ok := a.subs.LoadAndDelete(uid); ok {
		found = true
		v.(eventbus.Subscription).Cancel()
		a.setState(uid, StateDisconnected)
		a.metrics.ProducerDisconnected()
		a.logger.Info("disconnected from data source", "producer", uid)
	}
	return found
}

func (a *Adapter) multiSource() (storage.MultiSourceStorage, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ms, ok := a.store.(storage.MultiSourceStorage)
	return ms, ok
}

func (a *Adapter) isMultiSource() bool {
	_, ok := a.multiSource()
	return ok
}

// foiStore returns where FOIs of a producer stored in ds are persisted.
func (a *Adapter) foiStore(ds storage.Storage) (storage.FoiStorage, bool) {
	if fs, ok := ds.(storage.FoiStorage); ok {
		return fs, true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	fs, ok := a.store.(storage.FoiStorage)
	return fs, ok
}

// dataStoreOf returns the storage holding the records of uid.
func (a *Adapter) dataStoreOf(ctx context.Context, uid string) (storage.Storage, error) {
	if v, ok := a.dataStores.Load(uid); ok {
		return v.(storage.Storage), nil
	}

	a.mu.RLock()
	store := a.store
	a.mu.RUnlock()

	if uid == a.cfg.DataSourceID {
		return store, nil
	}
	if ms, ok := store.(storage.MultiSourceStorage); ok {
		return ms.DataStore(ctx, uid)
	}
	return store, nil
}

package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/eventbus"
	"github.com/xtxerr/obshub/internal/logging"
	"github.com/xtxerr/obshub/internal/model"
)

// Reasons for dropped events, used as metric labels.
const (
	dropUnregistered = "unregistered_producer"
	dropExcluded     = "excluded_output"
	dropDisabled     = "processing_disabled"
)

// processEvent is the handler of every producer subscription.
func (a *Adapter) processEvent(ctx context.Context, ev eventbus.Event) {
	a.stats.eventsReceived.Add(1)

	if !a.processEvents.Load() {
		a.drop(dropDisabled)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			a.dispatchError(ev, fmt.Errorf("panic: %v", r))
		}
	}()

	var err error
	switch e := ev.(type) {
	case *eventbus.DataEvent:
		err = a.handleData(ctx, e)
	case *eventbus.FoiEvent:
		err = a.handleFoi(ctx, e)
	case *eventbus.DescriptionChangedEvent:
		err = a.handleDescriptionChanged(ctx, e)
	case *eventbus.LifecycleEvent:
		a.drop("unexpected_event")
		return
	}
	if err != nil {
		a.dispatchError(ev, err)
	}

	a.commitIfDue(ctx)
}

func (a *Adapter) drop(reason string) {
	a.stats.eventsDropped.Add(1)
	a.metrics.EventDropped(reason)
}

func (a *Adapter) dispatchError(ev eventbus.Event, err error) {
	a.stats.dispatchErrors.Add(1)
	a.metrics.DispatchError()
	a.logger.Error("error during event dispatch",
		"kind", ev.Kind().String(),
		"source", ev.SourceID(),
		"error", err)
}

// handleData stores every record of e. A record whose time cannot be read
// is keyed at the arrival time. A failing record does not stop the rest of
// the batch.
func (a *Adapter) handleData(ctx context.Context, e *eventbus.DataEvent) error {
	uid := e.ProducerUID
	if uid == "" || !a.IsConnected(uid) {
		a.drop(dropUnregistered)
		return nil
	}
	if a.cfg.IsExcluded(e.Output) {
		a.drop(dropExcluded)
		return nil
	}

	ds, err := a.dataStoreOf(ctx, uid)
	if err != nil {
		return errors.Wrapf(err, "data store of %s", uid)
	}

	var indexer *model.TimeIndexer
	if v, ok := a.indexers.Load(e.Output); ok {
		indexer = v.(*model.TimeIndexer)
	}

	foiUID := ""
	if v, ok := a.fois.Load(uid); ok {
		foiUID = v.(string)
	}

	at := e.At
	if at.IsZero() {
		at = a.now()
	}
	arrival := model.TimeToSeconds(at)

	log := logging.WithContext(logging.ContextWithProducer(ctx, uid), a.logger)

	var failed []error
	stored := 0
	for i, rec := range e.Records {
		ts := arrival
		if indexer != nil {
			if sec, err := indexer.Seconds(rec); err != nil {
				log.Debug("record time not readable, using arrival time",
					"output", e.Output, "record", i, "error", err)
			} else {
				ts = sec
			}
		}

		key := model.Key{Output: e.Output, ProducerUID: uid, FoiUID: foiUID, Timestamp: ts}
		if err := ds.StoreRecord(ctx, key, rec); err != nil {
			failed = append(failed, errors.Wrapf(err, "store record %s", key))
			a.recordFailed(e.Output)
			continue
		}

		stored++
		a.tracker.Observe(uid, e.Output, ts, arrival)
		log.Debug("stored record", "key", key.String())
	}

	a.stats.recordsStored.Add(int64(stored))
	a.metrics.RecordsStored(e.Output, stored)

	if len(failed) > 0 {
		return errors.Wrapf(errors.Join(failed...), "%d of %d records of %s/%s", len(failed), len(e.Records), uid, e.Output)
	}
	return nil
}

func (a *Adapter) recordFailed(output string) {
	a.stats.recordsFailed.Add(1)
	a.metrics.RecordFailed(output)
}

// handleFoi persists the announced FOI and makes it current.
func (a *Adapter) handleFoi(ctx context.Context, e *eventbus.FoiEvent) error {
	uid := e.ProducerUID
	if uid == "" || !a.IsConnected(uid) {
		a.drop(dropUnregistered)
		return nil
	}

	foiUID := e.FoiUID
	if foiUID == "" && e.Foi != nil {
		foiUID = e.Foi.UID
	}

	if e.Foi != nil {
		ds, err := a.dataStoreOf(ctx, uid)
		if err != nil {
			return errors.Wrapf(err, "data store of %s", uid)
		}
		if fs, ok := a.foiStore(ds); ok {
			if err := fs.StoreFoi(ctx, uid, e.Foi); err != nil {
				return errors.Wrapf(err, "store FOI %s of %s", foiUID, uid)
			}
		}
	}

	a.fois.Store(uid, foiUID)
	a.logger.Debug("current FOI changed", "producer", uid, "foi", foiUID)
	return nil
}

// handleDescriptionChanged stores the current description of the producer
// unless it is already the latest stored one.
func (a *Adapter) handleDescriptionChanged(ctx context.Context, e *eventbus.DescriptionChangedEvent) error {
	uid := e.ProducerUID

	p, err := a.lookupProducer(uid)
	if err != nil {
		return errors.Wrapf(err, "description of %s", uid)
	}
	desc := p.CurrentDescription()
	if desc == nil {
		return nil
	}

	ds, err := a.dataStoreOf(ctx, uid)
	if err != nil {
		return errors.Wrapf(err, "data store of %s", uid)
	}

	latest, err := ds.LatestDescription(ctx)
	if err != nil {
		return errors.Wrapf(err, "read description of %s", uid)
	}
	if latest.Equal(desc) {
		a.logger.Debug("description unchanged", "producer", uid)
		return nil
	}

	if err := ds.StoreDescription(ctx, desc); err != nil {
		return errors.Wrapf(err, "store description of %s", uid)
	}
	a.logger.Info("description stored", "producer", uid, "valid_time", desc.ValidTime)
	return nil
}

// commitIfDue commits when nothing was committed yet or when the minimum
// commit period has elapsed since the last commit.
func (a *Adapter) commitIfDue(ctx context.Context) {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()

	now := a.now()
	if !a.lastCommit.IsZero() && now.Sub(a.lastCommit) <= a.cfg.MinCommitInterval() {
		return
	}

	a.mu.RLock()
	store := a.store
	a.mu.RUnlock()

	start := time.Now()
	if err := store.Commit(ctx); err != nil {
		a.stats.dispatchErrors.Add(1)
		a.metrics.DispatchError()
		a.logger.Error("commit failed", "error", err)
		return
	}

	a.lastCommit = now
	a.stats.commits.Add(1)
	a.metrics.Commit(time.Since(start))
}

// handleLifecycle reacts to registry events.
func (a *Adapter) handleLifecycle(ctx context.Context, ev eventbus.Event) {
	le, ok := ev.(*eventbus.LifecycleEvent)
	if !ok || !a.running.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			a.dispatchError(ev, fmt.Errorf("panic: %v", r))
		}
	}()

	uid := le.ProducerUID
	switch le.Type {
	case eventbus.KindProducerAdded, eventbus.KindProducerEnabled:
		if uid == a.cfg.DataSourceID {
			if err := a.connectRoot(ctx); err != nil {
				a.dispatchError(ev, err)
			}
			return
		}
		if err := a.ensureProducerInfo(ctx, uid); err != nil {
			a.dispatchError(ev, err)
		}

	case eventbus.KindProducerRemoved, eventbus.KindProducerDisabled:
		if !a.disconnectTree(uid) && uid != a.cfg.DataSourceID {
			return
		}
		if le.Type == eventbus.KindProducerRemoved {
			a.tracker.Forget(uid)
		}
		a.reportStatus(disconnectedStatus + uid)
	}
}

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/patient-portal/internal/changequeue"
	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/internal/remote"
)

// Tick runs one fetch-merge and drain cycle for every entity type. Types run
// concurrently; a type whose previous tick is still running is skipped.
func (e *Engine) Tick(ctx context.Context) error {
	types := record.AllEntityTypes()
	errs := make([]error, len(types))

	var wg sync.WaitGroup
	for i, t := range types {
		wg.Add(1)
		go func(i int, t record.EntityType) {
			defer wg.Done()
			errs[i] = e.TickType(ctx, t)
		}(i, t)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// TickType runs one cycle for a single entity type: fetch-merge when the type
// has subscribers, drain its queue, then publish one snapshot.
func (e *Engine) TickType(ctx context.Context, t record.EntityType) error {
	lock, ok := e.typeLocks[t]
	if !ok {
		return fmt.Errorf("syncengine: %w: %q", record.ErrUnknownEntityType, t)
	}
	if !lock.TryLock() {
		e.logger.Debug("sync tick skipped, previous tick still running", "entity_type", t)
		return nil
	}
	defer lock.Unlock()

	e.cycle.RLock()
	defer e.cycle.RUnlock()

	id, paused := e.session()
	if id.UserID == "" {
		return nil
	}

	ctx, span := tracer.Start(ctx, "syncengine.tick", trace.WithAttributes(
		attribute.String("portal.entity_type", string(t)),
	))
	defer span.End()

	var tickErr error
	if !paused && e.notifier.HasSubscribers(t) {
		if err := e.fetchMerge(ctx, t, id); err != nil {
			span.RecordError(err)
			tickErr = err
		}
	}
	if !e.Paused() && ctx.Err() == nil {
		if err := e.drain(ctx, t, id); err != nil {
			span.RecordError(err)
			tickErr = errors.Join(tickErr, err)
		}
	}

	e.publish(t)
	e.saveCache(ctx, t, id)
	e.metrics.SetQueueDepth(string(t), e.queue.Depth(t))

	outcome := "ok"
	if tickErr != nil {
		outcome = "error"
	}
	e.metrics.ObserveTick(string(t), outcome)
	return tickErr
}

func ownerFilter(t record.EntityType, userID string) remote.Filter {
	if t == record.Profiles {
		return remote.Filter{"id": userID}
	}
	return remote.Filter{record.FieldUserID: userID}
}

// fetchMerge applies the remote view of t. Records with a pending change are
// buffered instead of applied; records the remote no longer lists are removed
// unless a change targets them.
func (e *Engine) fetchMerge(ctx context.Context, t record.EntityType, id Identity) error {
	var recs []record.Record
	err := e.call(ctx, t, "fetch", func(cctx context.Context) error {
		var ferr error
		recs, ferr = e.remote.Fetch(cctx, t, ownerFilter(t, id.UserID))
		return ferr
	})
	if err != nil {
		re := remote.Classify(err)
		if re.Kind == remote.KindAuth {
			e.pause(re.Error())
		}
		return fmt.Errorf("syncengine: fetch %s: %w", t, err)
	}

	e.state.Lock()
	defer e.state.Unlock()

	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		r.EntityType = t
		r.Origin = record.OriginRemote
		seen[r.ID] = struct{}{}

		if e.queue.HasPending(t, r.ID) {
			e.bufferLocked(r)
			continue
		}
		if _, err := e.store.Replace(r); err != nil {
			e.logger.Warn("ignoring remote record", "entity_type", t, "id", r.ID, "error", err)
		}
	}
	for _, localID := range e.store.IDs(t) {
		if _, ok := seen[localID]; ok || e.queue.HasPending(t, localID) {
			continue
		}
		e.store.Remove(t, localID)
	}
	return nil
}

// bufferLocked keeps the newest remote revision seen while a change is
// pending on the same id.
func (e *Engine) bufferLocked(r record.Record) {
	key := record.KeyOf(r)
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.buffered[key]; ok && !r.NewerThan(cur) {
		return
	}
	e.buffered[key] = r
	e.logger.Debug("remote record buffered behind pending change", "entity_type", r.EntityType, "id", r.ID, "version", r.Version)
}

// applyBufferedLocked resolves the buffered remote record for id once no
// change is pending on it. With a confirmed result the buffered record only
// wins when its version is strictly higher; without one it is applied.
func (e *Engine) applyBufferedLocked(t record.EntityType, id string, confirmed *record.Record) {
	if e.queue.HasPending(t, id) {
		return
	}
	key := record.Key{EntityType: t, ID: id}
	e.mu.Lock()
	buf, ok := e.buffered[key]
	delete(e.buffered, key)
	e.mu.Unlock()
	if !ok {
		return
	}

	if confirmed != nil {
		if buf.Version <= confirmed.Version {
			e.logger.Debug("buffered remote record superseded by confirmed change", "entity_type", t, "id", id)
			return
		}
		if _, err := e.store.Upsert(buf); err != nil {
			e.logger.Debug("buffered remote record rejected", "entity_type", t, "id", id, "error", err)
		}
		return
	}
	if _, err := e.store.Replace(buf); err != nil {
		e.logger.Debug("buffered remote record rejected", "entity_type", t, "id", id, "error", err)
	}
}

// Buffered returns the remote record held back behind a pending change.
func (e *Engine) Buffered(t record.EntityType, id string) (record.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.buffered[record.Key{EntityType: t, ID: id}]
	return r.Clone(), ok
}

// drain sends the sendable changes of t one at a time. Cancellation is
// honoured between calls; a call already issued runs to completion and its
// result is applied.
func (e *Engine) drain(ctx context.Context, t record.EntityType, id Identity) error {
	for _, c := range e.queue.NextBatch(t) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Paused() {
			return nil
		}
		if err := e.queue.MarkInFlight(c.ID); err != nil {
			e.logger.Error("cannot start change", "change_id", c.ID, "error", err)
			continue
		}
		e.send(ctx, t, c, id)
	}
	return nil
}

func (e *Engine) send(ctx context.Context, t record.EntityType, c changequeue.Change, id Identity) {
	if c.Op == record.OpCreate && c.Blob != nil {
		var url string
		err := e.call(ctx, t, "upload", func(cctx context.Context) error {
			var uerr error
			url, uerr = e.remote.UploadBlob(cctx, c.Blob.Data, c.Blob.Meta)
			return uerr
		})
		if err != nil {
			e.fail(t, c, err)
			return
		}
		uploaded := record.Fields{"file_url": url}
		e.queue.ClearBlob(c.ID, uploaded)
		c.Patch = c.Patch.Merge(uploaded)
	}

	m := remote.Mutation{Op: c.Op, UserID: id.UserID, Patch: c.Patch}
	if !c.HasTempTarget() {
		m.ID = c.TargetID
	}
	if c.Op == record.OpUpdate && e.checkVersions {
		if cur, ok := e.store.Get(t, c.TargetID); ok {
			m.ExpectedVersion = cur.Version
		}
	}

	var result record.Record
	err := e.call(ctx, t, c.Op.String(), func(cctx context.Context) error {
		var merr error
		result, merr = e.remote.Mutate(cctx, t, m)
		return merr
	})
	if err != nil {
		e.fail(t, c, err)
		return
	}
	e.confirm(t, c, result)
}

func (e *Engine) confirm(t record.EntityType, c changequeue.Change, result record.Record) {
	e.state.Lock()
	defer e.state.Unlock()

	if _, err := e.queue.MarkConfirmed(c.ID, result); err != nil {
		e.logger.Error("cannot confirm change", "change_id", c.ID, "error", err)
		return
	}

	if c.Op == record.OpDelete {
		e.store.Remove(t, c.TargetID)
		e.mu.Lock()
		delete(e.buffered, record.Key{EntityType: t, ID: c.TargetID})
		e.mu.Unlock()
		e.logger.Info("change confirmed", "entity_type", t, "op", c.Op, "change_id", c.ID, "id", c.TargetID)
		return
	}

	result.EntityType = t
	result.Origin = record.OriginRemote
	if result.ID == "" {
		result.ID = c.TargetID
	}
	if _, err := e.store.Upsert(result); err != nil {
		e.logger.Warn("confirmed record not stored", "entity_type", t, "id", result.ID, "error", err)
	}
	e.applyBufferedLocked(t, result.ID, &result)
	e.logger.Info("change confirmed", "entity_type", t, "op", c.Op, "change_id", c.ID, "id", result.ID, "version", result.Version)
}

func (e *Engine) fail(t record.EntityType, c changequeue.Change, err error) {
	re := remote.Classify(err)

	switch {
	case re.Kind == remote.KindAuth:
		if qerr := e.queue.Requeue(c.ID); qerr != nil {
			e.logger.Error("cannot requeue change", "change_id", c.ID, "error", qerr)
		}
		e.pause(re.Error())
		return
	case re.Kind == remote.KindNotFound && c.Op == record.OpDelete:
		e.confirm(t, c, record.Record{EntityType: t, ID: c.TargetID})
		return
	}

	e.state.Lock()
	defer e.state.Unlock()

	failed, qerr := e.queue.MarkFailed(c.ID, changequeue.FailureFrom(re, e.now()), re.Kind.Retryable())
	if qerr != nil {
		e.logger.Error("cannot record change failure", "change_id", c.ID, "error", qerr)
		return
	}
	if failed.Status == changequeue.StatusPending {
		e.logger.Warn("change will be retried", "entity_type", t, "change_id", c.ID,
			"attempts", failed.Attempts, "next_attempt_at", failed.NextAttemptAt.Format(time.RFC3339Nano), "error", re)
		return
	}

	e.metrics.ObserveFailure(string(t), re.Kind.String())
	e.logger.Warn("change failed", "entity_type", t, "change_id", c.ID, "kind", re.Kind.String(), "attempts", failed.Attempts, "error", re)

	if re.Kind == remote.KindConflict && re.Remote != nil && !e.queue.HasPending(t, re.Remote.ID) {
		current := re.Remote.Clone()
		current.EntityType = t
		current.Origin = record.OriginRemote
		if _, err := e.store.Replace(current); err != nil {
			e.logger.Debug("conflicting remote record not stored", "entity_type", t, "id", current.ID, "error", err)
		}
	}
	e.applyBufferedLocked(t, c.TargetID, nil)
}

// call runs one remote operation under its own timeout. The call is detached
// from ctx cancellation so an issued request is always awaited.
func (e *Engine) call(ctx context.Context, t record.EntityType, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.callTimeout)
	defer cancel()

	cctx, span := tracer.Start(cctx, "syncengine.remote."+op, trace.WithAttributes(
		attribute.String("portal.entity_type", string(t)),
	))
	defer span.End()

	start := time.Now()
	err := fn(cctx)

	outcome := "ok"
	if err != nil {
		span.RecordError(err)
		outcome = remote.KindOf(err).String()
	}
	e.metrics.ObserveRemoteCall(string(t), op, outcome, time.Since(start).Seconds())
	return err
}

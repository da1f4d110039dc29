package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"letter-collab/core"

	"github.com/sirupsen/logrus"
)

const DefaultMirrorTimeout = 30 * time.Second

var (
	ErrSaveInProgress = errors.New("a save is already running for this letter")
	ErrNotMirrored    = errors.New("letter has no mirror copy")
	ErrShuttingDown   = errors.New("mirroring is shutting down")
)

// Controller mirrors room content to the external service. Per room it runs
// idle -> saving -> idle (or failed -> idle), with at most one save in
// flight. A trigger that lands while saving is remembered and answered by
// exactly one more save once the current one finishes.
//
// The mirror only offers create and delete, so a save deletes the previous
// copy before creating the new one. If the delete fails the save stops
// there: a stale copy is better than two live ones.
type Controller struct {
	registry *Registry
	mirror   core.MirrorService
	store    core.DocumentStore
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewController(registry *Registry, mirror core.MirrorService, store core.DocumentStore, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = DefaultMirrorTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		registry: registry,
		mirror:   mirror,
		store:    store,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Trigger asks for docID to be mirrored. It returns true when it started a
// new save and false when the room is unknown, has no mirror configured or
// a save is already running (in which case a follow-up save is queued).
// A room that is still loading its stored letter saves once loading ends.
// After Shutdown no new save is started.
func (c *Controller) Trigger(docID string) bool {
	if c.mirror == nil {
		return false
	}
	room, ok := c.registry.Lookup(docID)
	if !ok {
		return false
	}
	if !c.begin() {
		logrus.WithField("letter_id", docID).Warn("Save refused, mirroring is shutting down")
		return false
	}

	room.mu.Lock()
	switch {
	case room.loading:
		room.deferred = true
		room.mu.Unlock()
		c.wg.Done()
		logrus.WithField("letter_id", docID).Debug("room loading, save deferred")
		return false
	case room.state == stateSaving:
		room.superseded = true
		room.mu.Unlock()
		c.wg.Done()
		logrus.WithField("letter_id", docID).Debug("save in flight, follow-up queued")
		return false
	}
	room.state = stateSaving
	room.mirrored = true
	room.mu.Unlock()

	go c.run(room)
	return true
}

// begin reserves a slot in the wait group unless the controller is closed.
func (c *Controller) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// Unmirror deletes the mirror copy of docID and forgets its ref. It holds
// the room's saving slot for the duration, so it never overlaps a save; a
// save asked for meanwhile runs right after.
func (c *Controller) Unmirror(docID string) error {
	if c.mirror == nil {
		return ErrMirrorDisabled
	}
	room, ok := c.registry.Lookup(docID)
	if !ok {
		return ErrRoomNotFound
	}
	if !c.begin() {
		return ErrShuttingDown
	}

	room.mu.Lock()
	var refused error
	switch {
	case room.state == stateSaving, room.loading:
		// A loading room does not know its stored ref yet.
		refused = ErrSaveInProgress
	case room.externalRef == "":
		refused = ErrNotMirrored
	}
	if refused != nil {
		room.mu.Unlock()
		c.wg.Done()
		return refused
	}
	ref := room.externalRef
	room.state = stateSaving
	room.mirrored = true
	room.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"letter_id":    docID,
		"external_ref": ref,
	})

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	err := c.mirror.Delete(ctx, ref)
	cancel()
	if err != nil {
		log.WithField("error", err).Warn("Failed to delete mirror copy")
		err = fmt.Errorf("delete %s: %w", ref, err)
	} else {
		room.mu.Lock()
		if room.externalRef == ref {
			room.externalRef = ""
		}
		room.mu.Unlock()
		c.persistRef(docID, "")
		room.emitAll(EventUnmirrored, UnmirrorResult{LetterID: docID, ExternalRef: ref})
		log.Info("Mirror copy removed")
	}

	room.mu.Lock()
	room.lastErr = err
	again := room.superseded
	if again {
		room.superseded = false
	} else {
		room.state = stateIdle
	}
	room.mu.Unlock()

	if again {
		// The slot taken above passes to the follow-up save.
		go c.run(room)
		return err
	}
	c.wg.Done()
	c.registry.EvictIfIdle(docID)
	return err
}

// Enabled reports whether a mirror is configured.
func (c *Controller) Enabled() bool { return c.mirror != nil }

// fire adapts Trigger to FireFunc.
func (c *Controller) fire(docID string) { c.Trigger(docID) }

func (c *Controller) run(room *Room) {
	defer c.wg.Done()

	for {
		room.mu.Lock()
		payload := room.content
		ref := room.externalRef
		room.superseded = false
		room.mu.Unlock()

		err := c.save(room, payload, ref)

		room.mu.Lock()
		room.lastErr = err
		if err != nil {
			room.state = stateFailed
		}
		again := room.superseded
		if again {
			room.superseded = false
			room.state = stateSaving
		} else {
			room.state = stateIdle
		}
		room.mu.Unlock()

		if !again {
			break
		}
		logrus.WithField("letter_id", room.ID).Debug("running follow-up save")
	}

	c.registry.EvictIfIdle(room.ID)
}

func (c *Controller) save(room *Room, payload, ref string) error {
	log := logrus.WithFields(logrus.Fields{
		"letter_id":    room.ID,
		"external_ref": ref,
		"length":       len(payload),
	})

	if ref != "" {
		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		err := c.mirror.Delete(ctx, ref)
		cancel()
		if err != nil {
			log.WithField("error", err).Warn("Failed to delete previous mirror copy, save aborted")
			room.emitAll(EventSaveFailed, SaveFailure{LetterID: room.ID, Stage: "delete", Error: err.Error()})
			return fmt.Errorf("delete %s: %w", ref, err)
		}

		room.mu.Lock()
		if room.externalRef == ref {
			room.externalRef = ""
		}
		room.mu.Unlock()
		c.persistRef(room.ID, "")
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	newRef, err := c.mirror.Create(ctx, payload)
	cancel()
	if err != nil {
		room.mu.Lock()
		room.externalRef = ""
		room.mu.Unlock()
		if ref == "" {
			// Nothing was deleted above; make sure the store agrees there is no copy.
			c.persistRef(room.ID, "")
		}
		log.WithField("error", err).Warn("Failed to create mirror copy")
		room.emitAll(EventSaveFailed, SaveFailure{LetterID: room.ID, Stage: "create", Error: err.Error()})
		return fmt.Errorf("create: %w", err)
	}

	room.mu.Lock()
	room.externalRef = newRef
	room.mu.Unlock()

	c.persistContent(room.ID, payload)
	c.persistRef(room.ID, newRef)

	result := SaveResult{LetterID: room.ID, ExternalRef: newRef}
	if linker, ok := c.mirror.(core.MirrorLinker); ok {
		result.URL = linker.URL(newRef)
	}
	room.emitAll(EventSaved, result)
	log.WithField("new_ref", newRef).Info("Letter mirrored")
	return nil
}

func (c *Controller) persistRef(docID, ref string) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	if err := c.store.SetExternalRef(ctx, docID, ref); err != nil {
		logrus.WithFields(logrus.Fields{
			"letter_id":    docID,
			"external_ref": ref,
			"error":        err,
		}).Warn("Failed to record external ref")
	}
}

func (c *Controller) persistContent(docID, content string) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	if err := c.store.Put(ctx, docID, content); err != nil {
		logrus.WithFields(logrus.Fields{
			"letter_id": docID,
			"error":     err,
		}).Warn("Failed to store mirrored content")
	}
}

// State reports the save state of docID and the error of its last save.
func (c *Controller) State(docID string) (state string, lastErr error, ok bool) {
	room, ok := c.registry.Lookup(docID)
	if !ok {
		return "", nil, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.state.String(), room.lastErr, true
}

// Shutdown stops new saves from starting and waits for the running ones,
// see Wait.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Wait(ctx)
}

// Wait blocks until every running save finishes or ctx is done. Once ctx
// expires, in-flight mirror calls are cancelled.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

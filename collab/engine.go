package collab

import (
	"context"
	"errors"
	"time"

	"letter-collab/core"

	"github.com/sirupsen/logrus"
)

// ErrMirrorDisabled is returned by MirrorNow when no mirror is configured.
var ErrMirrorDisabled = errors.New("mirroring is disabled")

type Config struct {
	// SaveDelay is the quiet interval after the last edit before a room is
	// mirrored. Zero means DefaultSaveDelay.
	SaveDelay time.Duration
	// MirrorTimeout bounds one mirror create or delete call.
	MirrorTimeout time.Duration
}

// Engine wires the live-session components together.
type Engine struct {
	Registry   *Registry
	Relay      *Relay
	Scheduler  *Scheduler
	Controller *Controller
	Gateway    *Gateway

	store core.DocumentStore
}

// NewEngine builds an engine. store and mirror may be nil: without a store
// rooms start empty, without a mirror nothing is saved externally.
func NewEngine(cfg Config, store core.DocumentStore, mirror core.MirrorService) *Engine {
	registry := NewRegistry()
	controller := NewController(registry, mirror, store, cfg.MirrorTimeout)
	scheduler := NewScheduler(registry, cfg.SaveDelay, controller.fire)
	relay := NewRelay(registry, scheduler)
	gateway := NewGateway(registry, relay, store)
	gateway.trigger = controller.Trigger

	return &Engine{
		Registry:   registry,
		Relay:      relay,
		Scheduler:  scheduler,
		Controller: controller,
		Gateway:    gateway,
		store:      store,
	}
}

// Shutdown fires every pending save immediately and waits for the mirror to
// finish, or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	flushed := e.Scheduler.flush()
	if len(flushed) > 0 {
		logrus.WithField("letters", flushed).Info("Flushing pending saves")
	}
	return e.Controller.Shutdown(ctx)
}

// MirrorNow starts a save of docID without waiting for the debounce timer.
// A letter with no live room is loaded from the store into a room of its own
// that is evicted once the save completes. started is false when a save was
// already running; the running save is then followed by one more.
func (e *Engine) MirrorNow(ctx context.Context, docID string) (started bool, err error) {
	if !e.Controller.Enabled() {
		return false, ErrMirrorDisabled
	}
	room, err := e.acquire(ctx, docID)
	if err != nil {
		return false, err
	}
	defer e.Registry.release(room)

	return e.Controller.Trigger(docID), nil
}

// RemoveMirror deletes the mirror copy of docID and clears its stored ref.
// It fails with ErrSaveInProgress while a save runs and with ErrNotMirrored
// when there is no copy.
func (e *Engine) RemoveMirror(ctx context.Context, docID string) error {
	if !e.Controller.Enabled() {
		return ErrMirrorDisabled
	}
	room, err := e.acquire(ctx, docID)
	if err != nil {
		return err
	}
	defer e.Registry.release(room)

	return e.Controller.Unmirror(docID)
}

// acquire pins the room for docID, loading the stored letter when the room
// is new. The caller must release the room.
func (e *Engine) acquire(ctx context.Context, docID string) (*Room, error) {
	room, created := e.Registry.hold(docID, e.store != nil)
	if !created {
		return room, nil
	}
	if e.store == nil {
		e.Registry.release(room)
		return nil, ErrRoomNotFound
	}
	log := logrus.WithField("letter_id", docID)
	if err := e.Gateway.load(ctx, room, log); err != nil {
		e.Registry.release(room)
		return nil, err
	}
	return room, nil
}

// Snapshot returns the live content and ref of docID, if it has a room.
func (e *Engine) Snapshot(docID string) (content, externalRef string, ok bool) {
	return e.Relay.Snapshot(docID)
}

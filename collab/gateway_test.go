package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"letter-collab/core"
)

func connect(t *testing.T, g *Gateway, id string) *fakeConn {
	t.Helper()
	conn := newFakeConn(id)
	if err := g.OnConnect(conn, core.Identity{Subject: "user-" + id}); err != nil {
		t.Fatalf("OnConnect() failed: %v", err)
	}
	return conn
}

func TestGatewayLiveSessionScenario(t *testing.T) {
	mirror := &fakeMirror{}
	e := newTestEngine(mirror, nil, 50*time.Millisecond)
	ctx := context.Background()

	p1 := connect(t, e.Gateway, "p1")
	if _, err := e.Gateway.OnJoin(ctx, p1, "doc-1"); err != nil {
		t.Fatalf("OnJoin() failed: %v", err)
	}
	if err := e.Gateway.OnEdit(p1, "doc-1", "Hello"); err != nil {
		t.Fatalf("OnEdit() failed: %v", err)
	}

	p2 := connect(t, e.Gateway, "p2")
	if _, err := e.Gateway.OnJoin(ctx, p2, "doc-1"); err != nil {
		t.Fatalf("OnJoin() failed: %v", err)
	}
	content, err := e.Gateway.OnRequestCatchUp(p2, "doc-1")
	if err != nil {
		t.Fatalf("OnRequestCatchUp() failed: %v", err)
	}
	if content != "Hello" {
		t.Errorf("catch-up content mismatch: got %q, want Hello", content)
	}

	if err := e.Gateway.OnEdit(p1, "doc-1", "Hello World"); err != nil {
		t.Fatalf("OnEdit() failed: %v", err)
	}
	if got := p2.contents(EventUpdate); len(got) != 1 || got[0] != "Hello World" {
		t.Errorf("p2 updates mismatch: got %v", got)
	}
	if got := p1.received(EventUpdate); len(got) != 0 {
		t.Errorf("p1 received its own edits: %v", got)
	}

	waitFor(t, "mirror create", func() bool {
		creates, _ := mirror.calls()
		return len(creates) > 0
	})
	time.Sleep(150 * time.Millisecond)
	waitIdle(t, e)

	creates, deletes := mirror.calls()
	if len(creates) != 1 || creates[0] != "Hello World" {
		t.Errorf("creates mismatch: got %v, want [Hello World]", creates)
	}
	if len(deletes) != 0 {
		t.Errorf("unexpected deletes: %v", deletes)
	}
}

func TestGatewayDeleteFailureScenario(t *testing.T) {
	mirror := &fakeMirror{deleteErr: errors.New("permission denied")}
	store := newFakeStore()
	store.Create(context.Background(), &core.Letter{ID: "doc-1", Content: "old", ExternalRef: "R1"})
	e := newTestEngine(mirror, store, 20*time.Millisecond)

	p1 := connect(t, e.Gateway, "p1")
	if _, err := e.Gateway.OnJoin(context.Background(), p1, "doc-1"); err != nil {
		t.Fatalf("OnJoin() failed: %v", err)
	}
	if content, _ := e.Gateway.OnRequestCatchUp(p1, "doc-1"); content != "old" {
		t.Errorf("room not seeded from store: got %q", content)
	}
	if err := e.Gateway.OnEdit(p1, "doc-1", "new"); err != nil {
		t.Fatalf("OnEdit() failed: %v", err)
	}

	waitFor(t, "save warning", func() bool { return len(p1.received(EventSaveFailed)) > 0 })
	waitIdle(t, e)

	creates, deletes := mirror.calls()
	if len(deletes) != 1 || deletes[0] != "R1" {
		t.Errorf("deletes mismatch: got %v", deletes)
	}
	if len(creates) != 0 {
		t.Errorf("create must not follow a failed delete: %v", creates)
	}
	if ref := roomRef(t, e.Registry, "doc-1"); ref != "R1" {
		t.Errorf("externalRef mismatch: got %q, want R1", ref)
	}

	// The room keeps working after the failure.
	p2 := connect(t, e.Gateway, "p2")
	e.Gateway.OnJoin(context.Background(), p2, "doc-1")
	if err := e.Gateway.OnEdit(p1, "doc-1", "newer"); err != nil {
		t.Fatalf("OnEdit() after failed save: %v", err)
	}
	if got := p2.contents(EventUpdate); len(got) != 1 || got[0] != "newer" {
		t.Errorf("p2 updates mismatch: got %v", got)
	}
}

func TestGatewayRejectsEditWithoutJoin(t *testing.T) {
	e := newTestEngine(&fakeMirror{}, nil, time.Hour)
	ctx := context.Background()

	p1 := connect(t, e.Gateway, "p1")
	intruder := connect(t, e.Gateway, "intruder")
	e.Gateway.OnJoin(ctx, p1, "doc-1")
	e.Gateway.OnEdit(p1, "doc-1", "mine")

	err := e.Gateway.OnEdit(intruder, "doc-1", "theirs")
	if !errors.Is(err, ErrNotJoined) {
		t.Fatalf("OnEdit() error mismatch: got %v, want %v", err, ErrNotJoined)
	}
	if err := e.Gateway.OnEdit(intruder, "never-opened", "x"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("OnEdit() on unknown room: got %v, want %v", err, ErrNotJoined)
	}

	rejections := intruder.received(EventError)
	if len(rejections) != 2 {
		t.Fatalf("intruder should get two errors, got %d", len(rejections))
	}
	if got := p1.received(EventError); len(got) != 0 {
		t.Errorf("error leaked to p1: %v", got)
	}
	if got := p1.received(EventUpdate); len(got) != 0 {
		t.Errorf("rejected edit reached p1: %v", got)
	}
	if content, _, _ := e.Relay.Snapshot("doc-1"); content != "mine" {
		t.Errorf("rejected edit changed content: got %q", content)
	}
	if _, ok := e.Registry.Lookup("never-opened"); ok {
		t.Error("rejected edit created a room")
	}
}

func TestGatewayOnConnectRequiresIdentity(t *testing.T) {
	e := newTestEngine(nil, nil, time.Hour)
	anon := newFakeConn("anon")

	if err := e.Gateway.OnConnect(anon, core.Identity{}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("OnConnect() error mismatch: got %v", err)
	}
	if _, err := e.Gateway.OnJoin(context.Background(), anon, "doc-1"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("OnJoin() error mismatch: got %v", err)
	}
	if _, ok := e.Registry.Lookup("doc-1"); ok {
		t.Error("unauthenticated join created a room")
	}
}

func TestGatewayRejectsEmptyLetterID(t *testing.T) {
	e := newTestEngine(nil, nil, time.Hour)
	p1 := connect(t, e.Gateway, "p1")

	if _, err := e.Gateway.OnJoin(context.Background(), p1, "  "); !errors.Is(err, core.ErrInvalidID) {
		t.Errorf("OnJoin() error mismatch: got %v, want %v", err, core.ErrInvalidID)
	}
}

func TestGatewayDisconnectLeavesEveryRoom(t *testing.T) {
	e := newTestEngine(nil, nil, time.Hour)
	ctx := context.Background()
	p1 := connect(t, e.Gateway, "p1")
	p2 := connect(t, e.Gateway, "p2")

	e.Gateway.OnJoin(ctx, p1, "doc-a")
	e.Gateway.OnJoin(ctx, p1, "doc-b")
	e.Gateway.OnJoin(ctx, p2, "doc-b")

	e.Gateway.OnDisconnect(p1)

	if _, ok := e.Registry.Lookup("doc-a"); ok {
		t.Error("doc-a should be evicted after its only participant disconnected")
	}
	if e.Registry.IsParticipant("doc-b", "p1") {
		t.Error("p1 still listed in doc-b")
	}
	if _, ok := e.Gateway.Identity(p1); ok {
		t.Error("disconnected handle still registered")
	}
	if err := e.Gateway.OnEdit(p1, "doc-b", "ghost"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("edit after disconnect: got %v", err)
	}
}

func TestEngineShutdownFlushesPendingSaves(t *testing.T) {
	mirror := &fakeMirror{}
	e := newTestEngine(mirror, nil, time.Hour)
	p1 := connect(t, e.Gateway, "p1")
	e.Gateway.OnJoin(context.Background(), p1, "doc-1")
	e.Gateway.OnEdit(p1, "doc-1", "unsaved")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	creates, _ := mirror.calls()
	if len(creates) != 1 || creates[0] != "unsaved" {
		t.Errorf("pending save not flushed: %v", creates)
	}
	if e.Scheduler.Pending("doc-1") {
		t.Error("timer still pending after shutdown")
	}
}

func TestGatewayEditDuringLoadKeepsStoredRef(t *testing.T) {
	mirror := &fakeMirror{}
	store := newFakeStore()
	store.Create(context.Background(), &core.Letter{ID: "doc-1", Content: "old", ExternalRef: "R1"})
	store.getGate = make(chan struct{})
	store.getStarted = make(chan string, 1)
	e := newTestEngine(mirror, store, time.Hour)
	ctx := context.Background()

	p1 := connect(t, e.Gateway, "p1")
	joined := make(chan error, 1)
	go func() {
		_, err := e.Gateway.OnJoin(ctx, p1, "doc-1")
		joined <- err
	}()
	<-store.getStarted

	// p2 lands in the room while p1's join is still reading the store.
	p2 := connect(t, e.Gateway, "p2")
	if _, err := e.Gateway.OnJoin(ctx, p2, "doc-1"); err != nil {
		t.Fatalf("OnJoin() failed: %v", err)
	}
	if err := e.Gateway.OnEdit(p2, "doc-1", "new"); err != nil {
		t.Fatalf("OnEdit() failed: %v", err)
	}
	if e.Controller.Trigger("doc-1") {
		t.Fatal("Trigger() started a save before the stored ref was known")
	}

	close(store.getGate)
	if err := <-joined; err != nil {
		t.Fatalf("OnJoin() failed: %v", err)
	}
	waitFor(t, "deferred save", func() bool {
		creates, _ := mirror.calls()
		return len(creates) > 0
	})
	waitIdle(t, e)

	creates, deletes := mirror.calls()
	if len(deletes) != 1 || deletes[0] != "R1" {
		t.Errorf("stored copy must be replaced: deletes=%v", deletes)
	}
	if len(creates) != 1 || creates[0] != "new" {
		t.Errorf("creates mismatch: got %v, want [new]", creates)
	}
	if got := store.ref("doc-1"); got != "ref-1" {
		t.Errorf("stored ref mismatch: got %q, want ref-1", got)
	}
	if content, _ := e.Gateway.OnRequestCatchUp(p1, "doc-1"); content != "new" {
		t.Errorf("stored content overwrote a newer edit: got %q", content)
	}
}

func TestGatewaySeedReachesEarlyJoiners(t *testing.T) {
	store := newFakeStore()
	store.Create(context.Background(), &core.Letter{ID: "doc-1", Content: "stored"})
	store.getGate = make(chan struct{})
	store.getStarted = make(chan string, 1)
	e := newTestEngine(nil, store, time.Hour)
	ctx := context.Background()

	p1 := connect(t, e.Gateway, "p1")
	joined := make(chan error, 1)
	go func() {
		_, err := e.Gateway.OnJoin(ctx, p1, "doc-1")
		joined <- err
	}()
	<-store.getStarted

	p2 := connect(t, e.Gateway, "p2")
	e.Gateway.OnJoin(ctx, p2, "doc-1")
	if content, _ := e.Gateway.OnRequestCatchUp(p2, "doc-1"); content != "" {
		t.Errorf("catch-up before load: got %q", content)
	}

	close(store.getGate)
	if err := <-joined; err != nil {
		t.Fatalf("OnJoin() failed: %v", err)
	}
	if got := p2.contents(EventCatchUpContent); len(got) != 2 || got[1] != "stored" {
		t.Errorf("p2 catch-up mismatch: got %v", got)
	}
}

func TestGatewayLoadFailureStillOpensRoom(t *testing.T) {
	mirror := &fakeMirror{}
	e := newTestEngine(mirror, failingStore{newFakeStore()}, time.Hour)
	ctx := context.Background()

	p1 := connect(t, e.Gateway, "p1")
	if _, err := e.Gateway.OnJoin(ctx, p1, "doc-1"); err != nil {
		t.Fatalf("OnJoin() failed: %v", err)
	}
	e.Gateway.OnEdit(p1, "doc-1", "draft")
	if !e.Controller.Trigger("doc-1") {
		t.Fatal("room stayed in loading after a failed read")
	}
	waitIdle(t, e)
}

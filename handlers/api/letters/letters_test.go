package letters

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"letter-collab/auth"
	"letter-collab/collab"
	"letter-collab/core"
	mirrormem "letter-collab/mirror/memory"
	"letter-collab/stores/memory"
)

type testConn struct {
	id string
	mu sync.Mutex
	n  int
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Emit(event string, args ...any) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

type fixture struct {
	store  core.DocumentStore
	mirror *mirrormem.Mirror
	engine *collab.Engine
	router http.Handler
}

func newFixture(t *testing.T, withMirror bool) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewDocumentStore()}
	var svc core.MirrorService
	if withMirror {
		f.mirror = mirrormem.New()
		svc = f.mirror
	}
	f.engine = collab.NewEngine(collab.Config{SaveDelay: time.Hour, MirrorTimeout: time.Second}, f.store, svc)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithIdentity(r.Context(), core.Identity{Subject: "uid-1"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	r.Mount("/api/letters", Routes(f.store, f.engine))
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) joinLive(t *testing.T, id, content string) *testConn {
	t.Helper()
	conn := &testConn{id: "conn-1"}
	gw := f.engine.Gateway
	if err := gw.OnConnect(conn, core.Identity{Subject: "uid-1"}); err != nil {
		t.Fatalf("OnConnect() failed: %v", err)
	}
	if _, err := gw.OnJoin(context.Background(), conn, id); err != nil {
		t.Fatalf("OnJoin() failed: %v", err)
	}
	if err := gw.OnEdit(conn, id, content); err != nil {
		t.Fatalf("OnEdit() failed: %v", err)
	}
	return conn
}

func TestHandleCreate(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/api/letters", `{"title":"Dear Ada","content":"<p>Hi</p>"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp CreateLetterResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	letter, err := f.store.Get(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if letter.Title != "Dear Ada" || letter.Content != "<p>Hi</p>" || letter.OwnerID != "uid-1" {
		t.Errorf("stored letter mismatch: %+v", letter)
	}
}

func TestHandleCreate_InvalidBody(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/api/letters", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestHandleGet(t *testing.T) {
	f := newFixture(t, false)
	id, _ := f.store.Create(context.Background(), &core.Letter{Title: "T", Content: "stored"})

	w := f.do(t, http.MethodGet, "/api/letters/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["content"] != "stored" || resp["live"] != false || resp["id"] != id {
		t.Errorf("unexpected response: %v", resp)
	}

	if w := f.do(t, http.MethodGet, "/api/letters/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for missing letter, got %d", w.Code)
	}
}

func TestHandleGet_PrefersLiveContent(t *testing.T) {
	f := newFixture(t, false)
	id, _ := f.store.Create(context.Background(), &core.Letter{Content: "stored"})
	f.joinLive(t, id, "live edit")

	w := f.do(t, http.MethodGet, "/api/letters/"+id, "")
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["content"] != "live edit" || resp["live"] != true {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestHandlePut(t *testing.T) {
	f := newFixture(t, false)
	id, _ := f.store.Create(context.Background(), &core.Letter{Content: "old"})

	w := f.do(t, http.MethodPut, "/api/letters/"+id, `{"content":"new"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", w.Code)
	}
	letter, _ := f.store.Get(context.Background(), id)
	if letter.Content != "new" {
		t.Errorf("content not updated: %q", letter.Content)
	}

	f.joinLive(t, id, "live")
	if w := f.do(t, http.MethodPut, "/api/letters/"+id, `{"content":"clobber"}`); w.Code != http.StatusConflict {
		t.Errorf("expected status 409 during a live session, got %d", w.Code)
	}
}

func TestHandleMirror(t *testing.T) {
	f := newFixture(t, true)
	id, _ := f.store.Create(context.Background(), &core.Letter{Content: "<p>Save me</p>"})

	w := f.do(t, http.MethodPost, "/api/letters/"+id+"/mirror", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"saving"`)) {
		t.Errorf("unexpected body: %s", w.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	letter, _ := f.store.Get(context.Background(), id)
	if letter.ExternalRef == "" {
		t.Fatal("external ref not recorded after mirror")
	}
	if content, ok := f.mirror.Content(letter.ExternalRef); !ok || content != "<p>Save me</p>" {
		t.Errorf("mirror copy mismatch: %q, %v", content, ok)
	}
}

func TestHandleMirror_Errors(t *testing.T) {
	f := newFixture(t, true)
	if w := f.do(t, http.MethodPost, "/api/letters/missing/mirror", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}

	f = newFixture(t, false)
	id, _ := f.store.Create(context.Background(), &core.Letter{Content: "x"})
	if w := f.do(t, http.MethodPost, "/api/letters/"+id+"/mirror", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 without a mirror, got %d", w.Code)
	}
}

func TestHandleList(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	mine, _ := f.store.Create(ctx, &core.Letter{OwnerID: "uid-1", Content: "mine"})
	f.store.Create(ctx, &core.Letter{OwnerID: "uid-2", Content: "theirs"})
	f.joinLive(t, mine, "mine, live")

	w := f.do(t, http.MethodGet, "/api/letters", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected one letter for uid-1, got %v", resp)
	}
	if resp[0]["id"] != mine || resp[0]["content"] != "mine, live" || resp[0]["live"] != true {
		t.Errorf("unexpected entry: %v", resp[0])
	}
}

func TestHandleDelete(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	ref, _ := f.mirror.Create(ctx, "copy")
	id, _ := f.store.Create(ctx, &core.Letter{OwnerID: "uid-1", Content: "bye", ExternalRef: ref})

	if w := f.do(t, http.MethodDelete, "/api/letters/"+id, ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := f.store.Get(ctx, id); err == nil {
		t.Error("letter still stored after delete")
	}
	if f.mirror.Len() != 0 {
		t.Errorf("mirror copy left behind: %d", f.mirror.Len())
	}
	if w := f.do(t, http.MethodDelete, "/api/letters/"+id, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 on second delete, got %d", w.Code)
	}
}

func TestHandleDelete_Refused(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	live, _ := f.store.Create(ctx, &core.Letter{OwnerID: "uid-1"})
	f.joinLive(t, live, "open")
	if w := f.do(t, http.MethodDelete, "/api/letters/"+live, ""); w.Code != http.StatusConflict {
		t.Errorf("expected status 409 during a live session, got %d", w.Code)
	}

	other, _ := f.store.Create(ctx, &core.Letter{OwnerID: "uid-2"})
	if w := f.do(t, http.MethodDelete, "/api/letters/"+other, ""); w.Code != http.StatusForbidden {
		t.Errorf("expected status 403 for another user's letter, got %d", w.Code)
	}
	if _, err := f.store.Get(ctx, other); err != nil {
		t.Errorf("refused delete removed the letter: %v", err)
	}
}

func TestHandleRemoveMirror(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	ref, _ := f.mirror.Create(ctx, "copy")
	id, _ := f.store.Create(ctx, &core.Letter{Content: "keep", ExternalRef: ref})

	if w := f.do(t, http.MethodDelete, "/api/letters/"+id+"/mirror", ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", w.Code, w.Body.String())
	}
	letter, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("letter removed with its mirror copy: %v", err)
	}
	if letter.ExternalRef != "" || letter.Content != "keep" {
		t.Errorf("stored letter mismatch: %+v", letter)
	}
	if f.mirror.Len() != 0 {
		t.Errorf("mirror copy left behind: %d", f.mirror.Len())
	}

	if w := f.do(t, http.MethodDelete, "/api/letters/"+id+"/mirror", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 without a copy, got %d", w.Code)
	}
	if w := f.do(t, http.MethodDelete, "/api/letters/missing/mirror", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for a missing letter, got %d", w.Code)
	}

	f = newFixture(t, false)
	id, _ = f.store.Create(ctx, &core.Letter{ExternalRef: "R1"})
	if w := f.do(t, http.MethodDelete, "/api/letters/"+id+"/mirror", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 without a mirror, got %d", w.Code)
	}
}

package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomvm/loom/internal/engine"
	"github.com/loomvm/loom/internal/model"
	"github.com/loomvm/loom/internal/store"
	"github.com/loomvm/loom/internal/vm"
)

// fakeInstance backs the engine during API tests.
type fakeInstance struct {
	mu        sync.Mutex
	pid       int
	workspace string
	snapshots []string
	closed    bool
}

func (f *fakeInstance) PID() int          { return f.pid }
func (f *fakeInstance) Workspace() string { return f.workspace }

func (f *fakeInstance) TakeSnapshot(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, name)
	return nil
}

func (f *fakeInstance) DeleteSnapshot(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.snapshots {
		if s == name {
			f.snapshots = append(f.snapshots[:i], f.snapshots[i+1:]...)
			return nil
		}
	}
	return vm.ErrSnapshotNotFound
}

func (f *fakeInstance) GotoSnapshot(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.snapshots {
		if s == name {
			return nil
		}
	}
	return vm.ErrSnapshotNotFound
}

func (f *fakeInstance) Snapshots() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.snapshots...), nil
}

func (f *fakeInstance) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeLauncher hands each boot a fresh fake instance and keeps the console
// sink around so tests can emit console output later.
type fakeLauncher struct {
	mu   sync.Mutex
	sink io.Writer
	err  error
}

func (f *fakeLauncher) Launch(spec engine.LaunchSpec) (engine.Instance, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.sink = spec.ConsoleSink
	f.mu.Unlock()
	return &fakeInstance{pid: 101, workspace: "/tmp/loom-test-ws"}, nil
}

func (f *fakeLauncher) writeConsole(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sink != nil {
		f.sink.Write([]byte(text))
	}
}

func newTestServerWith(t *testing.T, l engine.Launcher) (*Server, store.Store, *engine.Engine) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(s, l, logger)
	t.Cleanup(func() { eng.Shutdown(context.Background()) })
	return NewServer(":0", s, eng, logger), s, eng
}

func newTestServer(t *testing.T) (*Server, store.Store, *engine.Engine) {
	t.Helper()
	return newTestServerWith(t, &fakeLauncher{})
}

// createSession posts a session and waits for it to reach running.
func createSession(t *testing.T, ts *httptest.Server, s store.Store, eng *engine.Engine) *model.Session {
	t.Helper()

	body := `{"image":"/images/base.qcow2","cpus":1,"mem_mb":512}`
	resp, err := http.Post(ts.URL+"/v1/sessions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var sess model.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	eng.Wait()
	waitForStatus(t, s, sess.ID, model.StatusRunning, time.Second)
	return &sess
}

// waitForStatus polls the store until the session reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Session {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sess, err := s.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if sess.Status == expected {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess, _ := s.GetSession(context.Background(), id)
	t.Fatalf("session %s never reached status %q, last status %q", id, expected, sess.Status)
	return nil
}

func TestPanicRecovery(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shrike/internal/auth"
	"shrike/internal/config"
	"shrike/internal/expand"
	"shrike/internal/notify"
	"shrike/internal/schema"
	"shrike/internal/store"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const testDDL = `
CREATE TABLE folders (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
) STRICT;

CREATE TABLE notes (
	id        INTEGER PRIMARY KEY,
	body      TEXT NOT NULL,
	folder_id INTEGER REFERENCES folders(id) ON DELETE CASCADE,
	owner     TEXT
) STRICT;
`

const testConfigYAML = `
apis:
  - table: folders
    acl_world: [read, list]
    acl_authenticated: [create, update, delete]
  - table: notes
    acl_owner: [create, read, update, delete, list]
    owner_column: owner
    expand: [folder_id]
`

func setupServer(t *testing.T) (*gin.Engine, *Server) {
	t.Helper()

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Writer.Exec(testDDL)
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "shrike.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfigYAML), 0o644))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	reg, err := schema.New(context.Background(), db.Reader, cfg.APIs)
	require.NoError(t, err)

	notifier := notify.NewManager(16)
	st := store.New(db, reg, notifier)
	srv := &Server{
		Store:      st,
		Registry:   reg,
		Auth:       auth.NewEvaluator(st),
		Expand:     expand.New(st),
		Notify:     notifier,
		Verifier:   auth.StaticVerifier{"tok-alice": "alice", "tok-bob": "bob"},
		AdminToken: "admintok",
		ConfigPath: cfgPath,
	}
	return NewRouter(srv), srv
}

func do(t *testing.T, r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCRUDFlow(t *testing.T) {
	r, _ := setupServer(t)

	w := do(t, r, http.MethodPost, "/api/records/folders", "tok-alice", map[string]any{"name": "inbox"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	id := fmt.Sprintf("%v", created["id"])
	assert.Equal(t, "inbox", created["name"])

	w = do(t, r, http.MethodGet, "/api/records/folders/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "inbox", decode(t, w)["name"])

	w = do(t, r, http.MethodPatch, "/api/records/folders/"+id, "tok-alice", map[string]any{"name": "archive"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "archive", decode(t, w)["name"])

	w = do(t, r, http.MethodGet, "/api/records/folders?name=archive", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	records := decode(t, w)["records"].([]any)
	require.Len(t, records, 1)

	w = do(t, r, http.MethodGet, "/api/records/folders/count", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	w = do(t, r, http.MethodDelete, "/api/records/folders/"+id, "tok-alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, r, http.MethodGet, "/api/records/folders/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorStatuses(t *testing.T) {
	r, _ := setupServer(t)

	t.Run("unknown table", func(t *testing.T) {
		w := do(t, r, http.MethodGet, "/api/records/ghosts", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("anonymous write needs auth", func(t *testing.T) {
		w := do(t, r, http.MethodPost, "/api/records/folders", "", map[string]any{"name": "x"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("bad token", func(t *testing.T) {
		w := do(t, r, http.MethodGet, "/api/records/folders", "tok-wrong", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("validation error lists fields", func(t *testing.T) {
		w := do(t, r, http.MethodPost, "/api/records/folders", "tok-alice", map[string]any{"name": 7})
		require.Equal(t, http.StatusBadRequest, w.Code)
		errs := decode(t, w)["errors"].([]any)
		first := errs[0].(map[string]any)
		assert.Equal(t, "type_mismatch", first["code"])
		assert.Equal(t, "name", first["field"])
	})

	t.Run("unique conflict", func(t *testing.T) {
		w := do(t, r, http.MethodPost, "/api/records/folders", "tok-alice", map[string]any{"name": "dup"})
		require.Equal(t, http.StatusCreated, w.Code)
		w = do(t, r, http.MethodPost, "/api/records/folders", "tok-alice", map[string]any{"name": "dup"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("unparseable id is not found", func(t *testing.T) {
		w := do(t, r, http.MethodGet, "/api/records/folders/not-a-number", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid expansion", func(t *testing.T) {
		w := do(t, r, http.MethodGet, "/api/records/folders?expand=name", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestOwnerScopedACL(t *testing.T) {
	r, _ := setupServer(t)

	// an owner-scoped create stamps the caller as owner
	w := do(t, r, http.MethodPost, "/api/records/notes", "tok-alice", map[string]any{"body": "mine"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	assert.Equal(t, "alice", created["owner"])
	id := fmt.Sprintf("%v", created["id"])

	w = do(t, r, http.MethodGet, "/api/records/notes/"+id, "tok-alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// not the owner
	w = do(t, r, http.MethodGet, "/api/records/notes/"+id, "tok-bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(t, r, http.MethodPatch, "/api/records/notes/"+id, "tok-bob", map[string]any{"body": "stolen"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// no identity at all
	w = do(t, r, http.MethodGet, "/api/records/notes/"+id, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// each identity lists only its own records
	do(t, r, http.MethodPost, "/api/records/notes", "tok-bob", map[string]any{"body": "bobs"})
	w = do(t, r, http.MethodGet, "/api/records/notes", "tok-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	records := decode(t, w)["records"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "mine", records[0].(map[string]any)["body"])
}

func TestExpandQuery(t *testing.T) {
	r, _ := setupServer(t)

	w := do(t, r, http.MethodPost, "/api/records/folders", "tok-alice", map[string]any{"name": "work"})
	require.Equal(t, http.StatusCreated, w.Code)
	folderID := decode(t, w)["id"]

	w = do(t, r, http.MethodPost, "/api/records/notes", "tok-alice", map[string]any{
		"body": "todo", "folder_id": folderID,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := fmt.Sprintf("%v", decode(t, w)["id"])

	w = do(t, r, http.MethodGet, "/api/records/notes/"+id+"?expand=folder_id", "tok-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ref := decode(t, w)["folder_id"].(map[string]any)
	assert.EqualValues(t, folderID, ref["id"])
	assert.Equal(t, "work", ref["data"].(map[string]any)["name"])
}

func TestMeta(t *testing.T) {
	r, _ := setupServer(t)

	w := do(t, r, http.MethodGet, "/api/meta", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 2)

	w = do(t, r, http.MethodGet, "/api/meta/notes", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	meta := decode(t, w)
	assert.Equal(t, "id", meta["pk"])
	assert.Equal(t, "owner", meta["ownerColumn"])

	fields := meta["fields"].([]any)
	byName := map[string]map[string]any{}
	for _, f := range fields {
		fm := f.(map[string]any)
		byName[fm["name"].(string)] = fm
	}
	assert.Equal(t, "folders", byName["folder_id"]["ref"])
	assert.Equal(t, "cascade", byName["folder_id"]["onDelete"])
	assert.Equal(t, true, byName["folder_id"]["expand"])
	assert.Equal(t, true, byName["body"]["required"])
}

func TestAdminReload(t *testing.T) {
	r, _ := setupServer(t)

	w := do(t, r, http.MethodPost, "/api/admin/reload", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/reload", nil)
	req.Header.Set("X-Admin-Token", "admintok")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["ok"])
	assert.EqualValues(t, 2, decode(t, rec)["tables"])
}

func TestRegisterCustomRoute(t *testing.T) {
	_, srv := setupServer(t)

	srv.Register(func(g *gin.RouterGroup) {
		g.GET("/whoami", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"identity": principalFrom(c).Identity})
		})
		g.GET("/folder-names", func(c *gin.Context) {
			_, rows, err := srv.Store.Query(c.Request.Context(), "SELECT name FROM folders ORDER BY name")
			if err != nil {
				writeError(c, principalFrom(c), err)
				return
			}
			names := make([]any, 0, len(rows))
			for _, row := range rows {
				names = append(names, row[0])
			}
			c.JSON(http.StatusOK, gin.H{"names": names})
		})
	})
	r := NewRouter(srv)

	w := do(t, r, http.MethodPost, "/api/records/folders", "tok-alice", map[string]any{"name": "inbox"})
	require.Equal(t, http.StatusCreated, w.Code)

	// custom routes sit behind the same auth middleware
	w = do(t, r, http.MethodGet, "/api/whoami", "tok-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", decode(t, w)["identity"])
	w = do(t, r, http.MethodGet, "/api/whoami", "tok-wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodGet, "/api/folder-names", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"inbox"}, decode(t, w)["names"].([]any))
}

func TestBusyMapsToServiceUnavailable(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeError(c, auth.Principal{}, store.ErrBusy)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestStreamTeardownClosesSubscription(t *testing.T) {
	m := notify.NewManager(4)
	sub := m.Subscribe("folders", "")
	m.Publish("folders", "1", notify.KindCreate, map[string]any{"id": int64(1)})

	releaseSubscription(m, sub)
	assert.Equal(t, notify.StateClosed, sub.State())

	// the event enqueued before teardown is still readable, then the
	// channel reports closed
	ev, ok := <-sub.Events()
	require.True(t, ok)
	assert.EqualValues(t, 1, ev.Seq)
	_, ok = <-sub.Events()
	assert.False(t, ok)

	// teardown after an eviction is a no-op
	evicted := m.Subscribe("folders", "")
	for i := 0; i < 5; i++ {
		m.Publish("folders", "1", notify.KindUpdate, nil)
	}
	require.True(t, evicted.Evicted())
	releaseSubscription(m, evicted)
	assert.Equal(t, notify.StateClosed, evicted.State())
}

func TestSubscribeStream(t *testing.T) {
	r, _ := setupServer(t)
	ts := httptest.NewServer(r)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/records/folders/subscribe", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitFor := func(substr string) string {
		deadline := time.After(5 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", substr)
				}
				if strings.Contains(line, substr) {
					return line
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", substr)
			}
		}
	}

	waitFor("ready")

	w := do(t, r, http.MethodPost, "/api/records/folders", "tok-alice", map[string]any{"name": "live"})
	require.Equal(t, http.StatusCreated, w.Code)

	waitFor("change")
	data := waitFor(`"kind":"create"`)
	assert.Contains(t, data, `"table":"folders"`)
	assert.Contains(t, data, `"live"`)
}

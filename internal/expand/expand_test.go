package expand_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shrike/internal/config"
	"shrike/internal/expand"
	"shrike/internal/schema"
	"shrike/internal/store"
)

const ddl = `
CREATE TABLE users (
	id     INTEGER PRIMARY KEY,
	email  TEXT NOT NULL,
	secret TEXT
) STRICT;

CREATE TABLE tasks (
	id          INTEGER PRIMARY KEY,
	title       TEXT NOT NULL,
	assignee_id INTEGER REFERENCES users(id)
) STRICT;
`

func setup(t *testing.T) (*store.Store, *expand.Resolver, *schema.Snapshot) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Writer.Exec(ddl)
	require.NoError(t, err)

	apis := []config.TableAPI{
		{
			Table:    "users",
			ACLWorld: []string{"create", "read", "list"},
			Exposed:  []string{"id", "email"},
		},
		{
			Table:    "tasks",
			ACLWorld: []string{"create", "read", "update", "list"},
			Expand:   []string{"assignee_id"},
		},
	}
	reg, err := schema.New(context.Background(), db.Reader, apis)
	require.NoError(t, err)

	st := store.New(db, reg, nil)
	return st, expand.New(st), reg.Snapshot()
}

func TestParse(t *testing.T) {
	_, r, snap := setup(t)

	cols, err := r.Parse(snap, "tasks", "")
	require.NoError(t, err)
	assert.Nil(t, cols)

	cols, err = r.Parse(snap, "tasks", "assignee_id, assignee_id")
	require.NoError(t, err)
	assert.Equal(t, []string{"assignee_id"}, cols)

	_, err = r.Parse(snap, "tasks", "title")
	assert.ErrorIs(t, err, expand.ErrInvalidExpansion)

	_, err = r.Parse(snap, "nope", "assignee_id")
	assert.ErrorIs(t, err, schema.ErrUnknownTable)
}

func TestApplyEmbedsParentProjection(t *testing.T) {
	st, r, snap := setup(t)
	ctx := context.Background()

	user, err := st.Create(ctx, snap, "users", map[string]any{"email": "a@example.com"})
	require.NoError(t, err)
	task, err := st.Create(ctx, snap, "tasks", map[string]any{
		"title": "fix it", "assignee_id": user["id"],
	})
	require.NoError(t, err)

	require.NoError(t, r.Apply(ctx, snap, "tasks", []string{"assignee_id"}, []map[string]any{task}))

	ref, ok := task["assignee_id"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, user["id"], ref["id"])

	data, ok := ref["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a@example.com", data["email"])
	// the parent's non-exposed columns never leak through the expansion
	_, leaked := data["secret"]
	assert.False(t, leaked)
}

func TestApplyNullAndDangling(t *testing.T) {
	st, r, snap := setup(t)
	ctx := context.Background()

	user, err := st.Create(ctx, snap, "users", map[string]any{"email": "gone@example.com"})
	require.NoError(t, err)
	unassigned, err := st.Create(ctx, snap, "tasks", map[string]any{"title": "loose"})
	require.NoError(t, err)
	orphan, err := st.Create(ctx, snap, "tasks", map[string]any{
		"title": "orphan", "assignee_id": user["id"],
	})
	require.NoError(t, err)

	// manufacture a dangling reference behind the engine's back
	_, err = st.Exec(ctx, "PRAGMA foreign_keys = OFF")
	require.NoError(t, err)
	_, err = st.Exec(ctx, "DELETE FROM users WHERE id = ?", user["id"])
	require.NoError(t, err)

	records := []map[string]any{unassigned, orphan}
	require.NoError(t, r.Apply(ctx, snap, "tasks", []string{"assignee_id"}, records))

	assert.Nil(t, unassigned["assignee_id"], "null references stay null")

	ref, ok := orphan["assignee_id"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, user["id"], ref["id"])
	_, hasData := ref["data"]
	assert.False(t, hasData, "a dangling reference keeps only the id")
}

func TestApplyBatchesAcrossRecords(t *testing.T) {
	st, r, snap := setup(t)
	ctx := context.Background()

	user, err := st.Create(ctx, snap, "users", map[string]any{"email": "shared@example.com"})
	require.NoError(t, err)

	var records []map[string]any
	for i := 0; i < 3; i++ {
		task, err := st.Create(ctx, snap, "tasks", map[string]any{
			"title": "t", "assignee_id": user["id"],
		})
		require.NoError(t, err)
		records = append(records, task)
	}

	require.NoError(t, r.Apply(ctx, snap, "tasks", []string{"assignee_id"}, records))
	for _, rec := range records {
		ref := rec["assignee_id"].(map[string]any)
		assert.Equal(t, "shared@example.com", ref["data"].(map[string]any)["email"])
	}
}

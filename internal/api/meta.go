package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"shrike/internal/schema"
)

// GET /api/meta
func MetaListHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.Registry.Snapshot()
		type row struct {
			Table   string `json:"table"`
			View    bool   `json:"view,omitempty"`
			Columns int    `json:"columns"`
		}
		rows := make([]row, 0)
		for _, name := range snap.Exposed() {
			t := snap.Table(name)
			cfg := snap.Config(name)
			rows = append(rows, row{Table: name, View: t.View, Columns: len(cfg.Exposed)})
		}
		c.JSON(http.StatusOK, rows)
	}
}

// GET /api/meta/:table
//
// The response describes the exposed projection only; columns outside the
// allowlist do not appear, the same as in record responses.
func MetaTableHandler(s *Server) gin.HandlerFunc {
	type fieldOut struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Required bool   `json:"required,omitempty"`
		PK       bool   `json:"pk,omitempty"`
		Default  string `json:"default,omitempty"`
		Ref      string `json:"ref,omitempty"`
		OnDelete string `json:"onDelete,omitempty"`
		Expand   bool   `json:"expand,omitempty"`
	}
	return func(c *gin.Context) {
		snap := s.Registry.Snapshot()
		p := principalFrom(c)

		t, cfg, err := snap.Resolve(c.Param("table"))
		if err != nil {
			writeError(c, p, err)
			return
		}

		resp := struct {
			Table       string              `json:"table"`
			View        bool                `json:"view,omitempty"`
			PK          string              `json:"pk"`
			Fields      []fieldOut          `json:"fields"`
			Uniques     [][]string          `json:"uniques,omitempty"`
			Operations  map[string][]string `json:"operations"`
			OwnerColumn string              `json:"ownerColumn,omitempty"`
		}{
			Table:       t.Name,
			View:        t.View,
			PK:          t.PK,
			Fields:      make([]fieldOut, 0, len(cfg.Exposed)),
			Operations:  aclSummary(cfg),
			OwnerColumn: cfg.OwnerColumn,
		}

		for _, name := range cfg.Exposed {
			col := t.Column(name)
			fo := fieldOut{
				Name:     name,
				Type:     col.Type.String(),
				Required: col.NotNull && col.Default == nil && !col.PK,
				PK:       col.PK,
				Expand:   cfg.Expand[name],
			}
			if col.Default != nil {
				fo.Default = *col.Default
			}
			if fk := t.FK(name); fk != nil {
				fo.Ref = fk.ParentTable
				fo.OnDelete = fk.OnDelete.String()
			}
			resp.Fields = append(resp.Fields, fo)
		}
		for _, u := range t.Uniques {
			exposed := true
			for _, col := range u {
				if !cfg.Exposes(col) {
					exposed = false
					break
				}
			}
			if exposed {
				resp.Uniques = append(resp.Uniques, u)
			}
		}

		c.JSON(http.StatusOK, resp)
	}
}

var allOps = []schema.Operation{schema.OpCreate, schema.OpRead, schema.OpUpdate, schema.OpDelete, schema.OpList}

func aclSummary(cfg *schema.APIConfig) map[string][]string {
	out := map[string][]string{"world": {}, "authenticated": {}, "owner": {}}
	for _, op := range allOps {
		if cfg.WorldAllows(op) {
			out["world"] = append(out["world"], string(op))
		}
		if cfg.Authed[op] {
			out["authenticated"] = append(out["authenticated"], string(op))
		}
		if cfg.OwnerAllows(op) {
			out["owner"] = append(out["owner"], string(op))
		}
	}
	return out
}

package api

import (
	"io"

	"github.com/gin-gonic/gin"

	"shrike/internal/auth"
	"shrike/internal/notify"
	"shrike/internal/schema"
)

// SubscribeHandler streams change events for one table, or for one record
// when the route carries an :id, as server-sent events. A table-wide stream
// needs the list grant, a single-record stream the read grant.
//
// The stream opens with a "ready" event carrying the table's current
// sequence. A consumer that falls behind the channel buffer is evicted: the
// events it already buffered are still delivered, then a final "evicted"
// event tells it to reconnect and resync, since committed changes were
// dropped and there is no replay.
// releaseSubscription runs once the stream loop exits. The consumer is gone,
// so nothing will read what Drain leaves buffered; the subscription goes
// straight to its terminal state. Both calls are no-ops after an eviction.
func releaseSubscription(m *notify.Manager, sub *notify.Subscription) {
	m.Drain(sub)
	m.Close(sub)
}

func SubscribeHandler(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.Registry.Snapshot()
		table := c.Param("table")
		id := c.Param("id")
		p := principalFrom(c)

		_, cfg, err := snap.Resolve(table)
		if err != nil {
			writeError(c, p, err)
			return
		}
		op := schema.OpList
		if id != "" {
			op = schema.OpRead
		}
		dec, err := s.Auth.Authorize(cfg, p, op)
		if err != nil {
			writeError(c, p, err)
			return
		}
		if dec.OwnerScoped {
			if id == "" {
				// owner scoping cannot be applied to a table-wide stream
				writeError(c, p, auth.ErrForbidden)
				return
			}
			if err := s.Auth.AuthorizeRecord(c.Request.Context(), cfg, p, op, id); err != nil {
				writeError(c, p, err)
				return
			}
		}

		sub := s.Notify.Subscribe(table, id)
		defer releaseSubscription(s.Notify, sub)

		c.Header("Cache-Control", "no-store")
		c.Header("X-Accel-Buffering", "no")

		c.SSEvent("ready", gin.H{"subscription": sub.ID, "seq": s.Notify.Sequence(table)})
		c.Writer.Flush()

		c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					if sub.Evicted() {
						c.SSEvent("evicted", gin.H{"reason": "slow consumer", "last_seq": sub.Cursor()})
					}
					return false
				}
				sub.Advance(ev.Seq)
				c.SSEvent("change", ev)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}

package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/snakemake/snakeface/internal/status"
	"github.com/snakemake/snakeface/internal/supervisor"
)

const writeWait = 10 * time.Second

// wsChannel adapts a websocket connection to status.Channel.
type wsChannel struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (c *wsChannel) Send(ctx context.Context, env status.Envelope) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(env)
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// streamStatuses upgrades the request and subscribes the connection to
// the run. A run that does not exist still gets its single error payload.
func (s *Server) streamStatuses(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	_, out, err := s.opts.Supervisor.View(r.Context(), UserFromContext(r.Context()), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if out.Kind == supervisor.OutcomeDenied {
		respondOutcome(w, out)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "run_id", id, "error", err)
		return
	}
	// Deadlines set while serving the handshake must not apply to the stream.
	conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Incoming messages are ignored; a read error means the client left.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ch := &wsChannel{conn: conn}
	if err := s.opts.Publisher.Subscribe(ctx, id, ch, s.plain(r)); err != nil {
		s.logger.WarnContext(r.Context(), "status stream ended", "run_id", id, "error", err)
	}
}

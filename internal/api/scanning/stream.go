package scanning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrav/scanline/internal/api/errs"
	"github.com/ahrav/scanline/pkg/web"
)

// stream serves a job's snapshots as Server-Sent Events. The response ends
// after the terminal snapshot or when the client goes away.
func stream(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := jobID(r)
		if idErr != nil {
			return idErr
		}

		sub, err := cfg.Broker.Subscribe(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		defer sub.Close()

		w := web.GetWriter(ctx)
		rc := http.NewResponseController(w)

		// The server write timeout would otherwise cut long scans short.
		if err := rc.SetWriteDeadline(time.Time{}); err != nil && err != http.ErrNotSupported {
			cfg.Log.Warn(ctx, "failed to clear write deadline", "job_id", id, "error", err)
		}

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			cfg.Log.Error(ctx, "streaming not supported by response writer", "error", err)
			return web.NoResponse{}
		}

		keepAlive := time.NewTicker(cfg.KeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case <-ctx.Done():
				return web.NoResponse{}

			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return web.NoResponse{}
				}

			case snap, ok := <-sub.C():
				if !ok {
					return web.NoResponse{}
				}
				data, err := json.Marshal(toProgressResponse(snap))
				if err != nil {
					cfg.Log.Error(ctx, "failed to encode snapshot", "job_id", id, "error", err)
					return web.NoResponse{}
				}
				if _, err := fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", snap.Revision, data); err != nil {
					return web.NoResponse{}
				}
			}

			if err := rc.Flush(); err != nil {
				return web.NoResponse{}
			}
		}
	}
}

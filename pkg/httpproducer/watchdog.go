package httpproducer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartBacklogWatchdog periodically publishes the handler backlog and warns
// when the in-flight count reaches ratio of MaxMessages. It returns when ctx
// is done.
func StartBacklogWatchdog(ctx context.Context, log *zap.SugaredLogger, h *Handler, interval time.Duration, ratio float64) {
	t := time.NewTicker(interval)
	defer t.Stop()

	limit := h.opts.MaxMessages
	threshold := int64(ratio * float64(limit))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			inFlight := h.InFlight()
			queued := h.Queued()
			h.metrics.SetBacklog(inFlight, queued)
			if ratio > 0 && inFlight >= threshold {
				log.Warnw("in-flight backlog high",
					"inFlight", inFlight,
					"queued", queued,
					"maxMessages", limit,
				)
			}
		}
	}
}

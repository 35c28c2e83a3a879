package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxwire/voxwire/pkg/types"
)

// redialBackoff is the wait before each reconnection attempt. Three tries,
// then the provider is declared unavailable.
var redialBackoff = [...]time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
}

// Redial establishes a session, retrying transient connect failures with the
// fixed backoff schedule. On persistent failure it returns an error carrying
// [types.CodeProviderUnavailable].
//
// Redial covers (re)connection only; once a session is live, transport
// errors surface on the session's event stream and the owner decides whether
// to redial.
func Redial(ctx context.Context, p Provider, cfg SessionConfig) (Session, error) {
	sess, err := p.Connect(ctx, cfg)
	if err == nil {
		return sess, nil
	}

	for attempt, backoff := range redialBackoff {
		slog.Warn("realtime connect failed, retrying",
			"provider", p.Name(),
			"attempt", attempt+1,
			"max_attempts", len(redialBackoff),
			"backoff", backoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return nil, types.WrapError(types.CodeProviderUnavailable, "connect cancelled", ctx.Err())
		case <-time.After(backoff):
		}

		sess, err = p.Connect(ctx, cfg)
		if err == nil {
			slog.Info("realtime connect recovered",
				"provider", p.Name(),
				"attempt", attempt+1,
			)
			return sess, nil
		}
	}

	return nil, types.WrapError(types.CodeProviderUnavailable, "provider unreachable after retries", err)
}

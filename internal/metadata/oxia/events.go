package oxia

import (
	"context"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/bldr-io/bldr/internal/metadata"
)

type events struct {
	n      oxiaclient.Notifications
	prefix string
}

func (e *events) Next(ctx context.Context) (metadata.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return metadata.Event{}, ctx.Err()
		case n, ok := <-e.n.Ch():
			if !ok {
				return metadata.Event{}, metadata.ErrStoreClosed
			}
			if !metadata.Under(n.Key, e.prefix) {
				continue
			}
			return toEvent(n), nil
		}
	}
}

func (e *events) Close() error {
	return e.n.Close()
}

func toEvent(n *oxiaclient.Notification) metadata.Event {
	switch n.Type {
	case oxiaclient.KeyDeleted, oxiaclient.KeyRangeRangeDeleted:
		return metadata.Event{Key: n.Key, Deleted: true}
	default:
		return metadata.Event{Key: n.Key, Version: fromOxia(n.VersionId)}
	}
}

// Package usersink forwards scene activity to a go-users activity sink.
package usersink

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/goliatone/go-scene/pkg/activity"
	usertypes "github.com/goliatone/go-users/pkg/types"
)

// Hook is an activity.Hook writing one ActivityRecord per event. Actor is
// recorded for events that carry no parsable actor ID, such as edits made
// by a background watcher.
type Hook struct {
	Sink  usertypes.ActivitySink
	Actor uuid.UUID
}

func (h Hook) Notify(ctx context.Context, event activity.Event) error {
	if h.Sink == nil {
		return nil
	}
	event = event.Normalize()
	if !event.Valid() {
		return nil
	}
	record := Record(event)
	if record.ActorID == uuid.Nil {
		record.ActorID = h.Actor
	}
	return h.Sink.Log(ctx, record)
}

// Record maps a normalized event onto an activity record. The scene context
// (stage, layer, paths, fields) travels in Data.
func Record(event activity.Event) usertypes.ActivityRecord {
	return usertypes.ActivityRecord{
		ActorID:    parseID(event.ActorID),
		UserID:     parseID(event.UserID),
		TenantID:   parseID(event.TenantID),
		Verb:       string(event.Verb),
		ObjectType: event.ObjectType(),
		ObjectID:   event.ObjectID(),
		Channel:    event.Channel,
		Data:       event.Data(),
		OccurredAt: event.OccurredAt,
	}
}

func parseID(s string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil
	}
	return id
}

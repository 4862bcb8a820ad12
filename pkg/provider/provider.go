// Package provider applies provider-neutral event descriptions to an external calendar.
package provider

import (
	"context"

	"github.com/zoff-tech/go-calsync/pkg/schema"
)

// Calendar is one workspace's view of the external calendar provider.
type Calendar interface {
	// CreateEvent creates an event and returns its external id.
	CreateEvent(ctx context.Context, calendarID string, fields schema.EventFields) (string, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, fields schema.EventFields) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// Factory builds a Calendar acting with a workspace's credentials.
type Factory interface {
	ForConnection(ctx context.Context, conn *schema.Connection) (Calendar, error)
}

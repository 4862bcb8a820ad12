package provider

import (
	"context"
	"time"

	"github.com/zoff-tech/go-calsync/pkg/schema"
)

// WithCallTimeout bounds every call on cal by d. A non-positive d returns cal unchanged.
func WithCallTimeout(cal Calendar, d time.Duration) Calendar {
	if d <= 0 {
		return cal
	}
	return &timeoutCalendar{next: cal, timeout: d}
}

type timeoutCalendar struct {
	next    Calendar
	timeout time.Duration
}

func (c *timeoutCalendar) CreateEvent(ctx context.Context, calendarID string, fields schema.EventFields) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.CreateEvent(ctx, calendarID, fields)
}

func (c *timeoutCalendar) UpdateEvent(ctx context.Context, calendarID, eventID string, fields schema.EventFields) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.UpdateEvent(ctx, calendarID, eventID, fields)
}

func (c *timeoutCalendar) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.DeleteEvent(ctx, calendarID, eventID)
}

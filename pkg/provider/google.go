package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zoff-tech/go-calsync/pkg/config"
	"github.com/zoff-tech/go-calsync/pkg/schema"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const dateLayout = "2006-01-02"

// GoogleFactory creates Google Calendar clients. Expired access tokens are refreshed
// through the OAuth client configured in ProviderSettings.
type GoogleFactory struct {
	oauth    *oauth2.Config
	endpoint string
	tokens   TokenStore

	refreshTimeout time.Duration
}

// TokenStore persists access tokens refreshed while acting for a workspace.
type TokenStore interface {
	SaveToken(ctx context.Context, workspaceID, accessToken, refreshToken string, expiry time.Time) error
}

// WithRefreshTimeout bounds each token refresh request.
func (f *GoogleFactory) WithRefreshTimeout(d time.Duration) *GoogleFactory {
	f.refreshTimeout = d
	return f
}

// WithTokenStore makes clients write refreshed tokens back, so the next item for the
// workspace starts from a valid access token instead of refreshing again.
func (f *GoogleFactory) WithTokenStore(tokens TokenStore) *GoogleFactory {
	f.tokens = tokens
	return f
}

func NewGoogleFactory(cfg config.ProviderSettings) *GoogleFactory {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &GoogleFactory{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{calendar.CalendarEventsScope},
		},
		endpoint: cfg.Endpoint,
	}
}

func (f *GoogleFactory) ForConnection(ctx context.Context, conn *schema.Connection) (Calendar, error) {
	token := &oauth2.Token{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		Expiry:       conn.TokenExpiry,
		TokenType:    "Bearer",
	}
	if f.refreshTimeout > 0 {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: f.refreshTimeout})
	}
	var source oauth2.TokenSource = f.oauth.TokenSource(ctx, token)
	if f.tokens != nil {
		source = &savingTokenSource{
			ctx:         ctx,
			base:        source,
			tokens:      f.tokens,
			workspaceID: conn.WorkspaceID,
			last:        conn.AccessToken,
		}
	}
	client := oauth2.NewClient(ctx, source)

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if f.endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &GoogleCalendar{events: svc.Events}, nil
}

// savingTokenSource saves every access token that differs from the last one seen.
// A failed save is logged and the token is still used.
type savingTokenSource struct {
	ctx         context.Context
	base        oauth2.TokenSource
	tokens      TokenStore
	workspaceID string

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.last {
		return tok, nil
	}
	s.last = tok.AccessToken
	if err := s.tokens.SaveToken(s.ctx, s.workspaceID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		slog.WarnContext(s.ctx, "Failed to save refreshed token", "workspace_id", s.workspaceID, "error", err)
	}
	return tok, nil
}

// GoogleCalendar implements Calendar on the Calendar v3 events resource.
type GoogleCalendar struct {
	events *calendar.EventsService
}

func (g *GoogleCalendar) CreateEvent(ctx context.Context, calendarID string, fields schema.EventFields) (string, error) {
	created, err := g.events.Insert(calendarID, toGoogleEvent(fields)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create event: %w", err)
	}
	return created.Id, nil
}

func (g *GoogleCalendar) UpdateEvent(ctx context.Context, calendarID, eventID string, fields schema.EventFields) error {
	if _, err := g.events.Update(calendarID, eventID, toGoogleEvent(fields)).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to update event %s: %w", eventID, err)
	}
	return nil
}

func (g *GoogleCalendar) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := g.events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	return nil
}

// toGoogleEvent translates fields into a Calendar v3 event. All-day events carry
// date-only boundaries taken in each timestamp's own offset, with an exclusive end date at least one day after the start.
func toGoogleEvent(f schema.EventFields) *calendar.Event {
	ev := &calendar.Event{
		Summary:     f.Title,
		Description: f.Description,
		Location:    f.Location,
		ColorId:     f.ColorID,
		Recurrence:  f.Recurrence,
	}

	if f.IsAllDay {
		startDay := truncateToDay(f.Start)
		endDay := truncateToDay(f.End)
		if !endDay.After(startDay) {
			endDay = startDay.AddDate(0, 0, 1)
		}
		ev.Start = &calendar.EventDateTime{Date: startDay.Format(dateLayout)}
		ev.End = &calendar.EventDateTime{Date: endDay.Format(dateLayout)}
		return ev
	}

	ev.Start = &calendar.EventDateTime{DateTime: f.Start.Format(time.RFC3339)}
	ev.End = &calendar.EventDateTime{DateTime: f.End.Format(time.RFC3339)}
	return ev
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

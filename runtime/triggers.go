package runtime

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"
)

type TriggerType string

const (
	TriggerFirstContact TriggerType = "first_contact"
	TriggerKeyword      TriggerType = "keyword"
)

// Trigger auto-starts its flow for qualifying inbound events.
type Trigger struct {
	ID             string      `json:"id" yaml:"id"`
	FlowID         string      `json:"flowId" yaml:"flowId"`
	OrganizationID string      `json:"organizationId" yaml:"organizationId"`
	Type           TriggerType `json:"type" yaml:"type"`
	Active         bool        `json:"active" yaml:"active"`
	Position       int         `json:"position" yaml:"position"`
	// Channels restricts the trigger to channel ids or channel types. Empty allows all.
	Channels []string  `json:"channels,omitempty" yaml:"channels,omitempty"`
	Keywords []string  `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Schedule *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Schedule is a weekly time window. Start and End are "HH:MM" in Timezone;
// an End before Start spans midnight.
type Schedule struct {
	Days     []string `json:"days,omitempty" yaml:"days,omitempty"`
	Start    string   `json:"start,omitempty" yaml:"start,omitempty"`
	End      string   `json:"end,omitempty" yaml:"end,omitempty"`
	Timezone string   `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// TriggerQuery describes an inbound event for a pair without an active session.
type TriggerQuery struct {
	OrganizationID string
	Channel        Channel
	ChatID         string
	CustomerID     string
	Content        string
	// PriorContacts is how many earlier contacts the customer made. Only a
	// customer with none can match a first_contact trigger.
	PriorContacts int
}

// TriggerResolver picks the flow, if any, that should auto-start for an event.
type TriggerResolver struct {
	l     *slog.Logger
	flows FlowStore
	chats ChatStore
	now   func() time.Time
}

func NewTriggerResolver(l *slog.Logger, flows FlowStore, chats ChatStore) *TriggerResolver {
	return &TriggerResolver{l: l, flows: flows, chats: chats, now: time.Now}
}

// CheckTriggers walks the organization's triggers in position order and
// returns the flow of the first one whose rules pass. A nil flow with a nil
// error means no automation applies.
func (r *TriggerResolver) CheckTriggers(ctx context.Context, q TriggerQuery) (*Flow, error) {
	triggers, err := r.flows.ListTriggers(ctx, q.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list triggers for %s: %w", q.OrganizationID, err)
	}
	slices.SortStableFunc(triggers, func(a, b Trigger) int { return cmp.Compare(a.Position, b.Position) })

	now := r.now()
	var firstContact *bool

	for _, t := range triggers {
		if !t.Active || !channelAllowed(t.Channels, q.Channel) {
			continue
		}
		if t.Schedule != nil {
			open, err := t.Schedule.Contains(now)
			if err != nil {
				r.l.WarnContext(ctx, "Skipping trigger with invalid schedule", "trigger_id", t.ID, "error", err)
				continue
			}
			if !open {
				continue
			}
		}

		switch t.Type {
		case TriggerFirstContact:
			if q.PriorContacts > 0 {
				continue
			}
			if firstContact == nil {
				first, err := r.chats.IsFirstContact(ctx, q.CustomerID, q.ChatID)
				if err != nil {
					return nil, fmt.Errorf("check first contact for %s: %w", q.CustomerID, err)
				}
				firstContact = &first
			}
			if !*firstContact {
				continue
			}
		case TriggerKeyword:
			if !matchesKeyword(t.Keywords, q.Content) {
				continue
			}
		default:
			continue
		}

		flow, err := r.flows.GetFlow(ctx, t.FlowID)
		if errors.Is(err, ErrFlowNotFound) {
			r.l.WarnContext(ctx, "Trigger references missing flow", "trigger_id", t.ID, "flow_id", t.FlowID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load flow %s: %w", t.FlowID, err)
		}
		if !flow.Published {
			continue
		}
		r.l.InfoContext(ctx, "Trigger matched",
			"trigger_id", t.ID,
			"trigger_type", t.Type,
			"flow_id", flow.ID,
			"organization_id", q.OrganizationID)
		return flow, nil
	}
	return nil, nil
}

func channelAllowed(allowed []string, ch Channel) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == ch.ID || (ch.Type != "" && strings.EqualFold(a, ch.Type)) {
			return true
		}
	}
	return false
}

func matchesKeyword(keywords []string, content string) bool {
	content = strings.ToLower(content)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(content, k) {
			return true
		}
	}
	return false
}

// Contains reports whether now falls in the window. After midnight in an
// overnight window, the day rule applies to the day the window opened.
func (s *Schedule) Contains(now time.Time) (bool, error) {
	loc := time.UTC
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return false, fmt.Errorf("timezone %q: %w", s.Timezone, err)
		}
		loc = l
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	day := local.Weekday()

	if s.Start != "" || s.End != "" {
		start, err := parseClock(s.Start, 0)
		if err != nil {
			return false, err
		}
		end, err := parseClock(s.End, 24*60)
		if err != nil {
			return false, err
		}
		switch {
		case start <= end:
			if minute < start || minute >= end {
				return false, nil
			}
		case minute >= start:
		case minute < end:
			day = (day + 6) % 7
		default:
			return false, nil
		}
	}

	if len(s.Days) == 0 {
		return true, nil
	}
	for _, d := range s.Days {
		wd, err := parseWeekday(d)
		if err != nil {
			return false, err
		}
		if wd == day {
			return true, nil
		}
	}
	return false, nil
}

func parseClock(s string, empty int) (int, error) {
	if s == "" {
		return empty, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// parseWeekday accepts English day names or numbers with Sunday as 0.
func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if wd, ok := weekdays[s]; ok {
		return wd, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 6 {
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
	return time.Weekday(n), nil
}

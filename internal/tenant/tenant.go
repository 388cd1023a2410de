// Package tenant holds the per-imaging-group configuration that the rest
// of the service reads on every webhook and every send: which SMS providers
// to use, which from-numbers belong to the group, and how scheduling
// policy questions are answered.
package tenant

import (
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("tenant: not found")

// New-order policies applied when an order arrives while a session is
// already active for the same patient.
const (
	NewOrderQueue     = "queue"
	NewOrderSupersede = "supersede"
)

// Duration stacking rules for multi-order sessions.
const (
	StackSum = "sum"
	StackMax = "max"
)

// SMSConfig selects providers and from-number pools. Provider credentials
// are process-level; tenants only choose which provider sends for them and
// from which numbers.
type SMSConfig struct {
	PrimaryProvider  string              `json:"primary_provider"`
	FailoverProvider string              `json:"failover_provider,omitempty"`
	FromNumbers      map[string][]string `json:"from_numbers"`
	QuietHours       *QuietHoursConfig   `json:"quiet_hours,omitempty"`
}

// Pool returns the configured from-number pool for a provider.
func (c SMSConfig) Pool(provider string) []string {
	if c.FromNumbers == nil {
		return nil
	}
	return c.FromNumbers[provider]
}

// QuietHoursConfig is a daily window, local to the imaging group, during
// which non-urgent scheduling texts are held. Start and End are 24-hour
// "HH:MM" clocks; the window may wrap midnight (21:00-08:00).
type QuietHoursConfig struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"`
}

// QuietWindow is a parsed quiet-hours window.
type QuietWindow struct {
	start int // minutes after local midnight
	end   int
	loc   *time.Location
}

func (c *QuietHoursConfig) window() *QuietWindow {
	start, err := parseClock(c.Start)
	if err != nil {
		return nil
	}
	end, err := parseClock(c.End)
	if err != nil || start == end {
		return nil
	}
	loc := time.UTC
	if c.Timezone != "" {
		if loc, err = time.LoadLocation(c.Timezone); err != nil {
			return nil
		}
	}
	return &QuietWindow{start: start, end: end, loc: loc}
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether now falls inside the quiet window.
func (w *QuietWindow) Contains(now time.Time) bool {
	if w == nil {
		return false
	}
	local := now.In(w.loc)
	minutes := local.Hour()*60 + local.Minute()
	if w.start < w.end {
		return minutes >= w.start && minutes < w.end
	}
	// Window wraps midnight.
	return minutes >= w.start || minutes < w.end
}

// NextOpen returns the earliest moment at or after now when the window
// has ended and held texts may go out.
func (w *QuietWindow) NextOpen(now time.Time) time.Time {
	local := now.In(w.loc)
	open := time.Date(local.Year(), local.Month(), local.Day(), w.end/60, w.end%60, 0, 0, w.loc)
	if !open.After(local) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

// SchedulingConfig answers the policy questions the state machine cannot
// decide on its own. ContactPhone is the patient-facing number used in
// "please call" messages when text scheduling cannot finish.
type SchedulingConfig struct {
	OnNewOrder           string         `json:"on_new_order"`
	Stacking             string         `json:"stacking"`
	ContactPhone         string         `json:"contact_phone,omitempty"`
	CPTDurationOverrides map[string]int `json:"cpt_duration_overrides,omitempty"`
}

// NotifyConfig lists where operator alerts go.
type NotifyConfig struct {
	OpsEmails       []string `json:"ops_emails,omitempty"`
	NotifyOnConfirm bool     `json:"notify_on_confirm"`
}

// Tenant is one imaging group. ID doubles as the slug used in queue
// payloads, Redis keys, and audit rows.
type Tenant struct {
	ID         string
	Name       string
	Active     bool
	SMS        SMSConfig
	Scheduling SchedulingConfig
	Notify     NotifyConfig
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OnNewOrderPolicy normalizes the configured policy, defaulting to queue.
func (t *Tenant) OnNewOrderPolicy() string {
	if t != nil && t.Scheduling.OnNewOrder == NewOrderSupersede {
		return NewOrderSupersede
	}
	return NewOrderQueue
}

// StackingRule normalizes the stacking rule, defaulting to sum.
func (t *Tenant) StackingRule() string {
	if t != nil && t.Scheduling.Stacking == StackMax {
		return StackMax
	}
	return StackSum
}

// ContactPhone returns the patient-facing callback number, possibly empty.
func (t *Tenant) ContactPhone() string {
	if t == nil {
		return ""
	}
	return t.Scheduling.ContactPhone
}

// QuietWindow parses the tenant's configured quiet hours. It returns nil
// when none are configured or the config does not parse: a tenant with a
// broken window texts around the clock rather than not at all.
func (t *Tenant) QuietWindow() *QuietWindow {
	if t == nil || t.SMS.QuietHours == nil {
		return nil
	}
	return t.SMS.QuietHours.window()
}

// Default returns a development tenant with a single-number Twilio pool.
// Production tenants always come from the registry.
func Default(id string) *Tenant {
	return &Tenant{
		ID:     id,
		Name:   id,
		Active: true,
		SMS: SMSConfig{
			PrimaryProvider: "twilio",
			FromNumbers:     map[string][]string{"twilio": {"+15005550006"}},
		},
		Scheduling: SchedulingConfig{OnNewOrder: NewOrderQueue, Stacking: StackSum},
	}
}

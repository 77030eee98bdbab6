// Package routing maps a notification's data payload to exactly one in-app
// destination using an ordered rule table.
package routing

import (
	"strings"

	"github.com/tinywideclouds/go-realtime-service/pkg/pushroute"
)

// Payload keys read by the rules.
const (
	KeyScreen = "screen"
	KeyType   = "type"
)

// ScreenSubscriptionActivated marks a payload sent after a premium purchase.
const ScreenSubscriptionActivated = "subscription-activated-marker"

// Route names produced by the default table.
const (
	RouteHome          = "/home"
	RouteNotifications = "/notifications"
)

// Rule is one row of the table. Match returns a decision and true when the rule
// applies to data; it must not mutate data.
type Rule struct {
	Name  string
	Match func(data map[string]string) (pushroute.RouteDecision, bool)
}

// Table is an ordered list of rules evaluated first-match-wins, followed by a
// fallback that always applies.
type Table struct {
	rules    []Rule
	fallback pushroute.RouteDecision
}

// NewTable builds a table from rules and a fallback destination.
func NewTable(fallback string, rules ...Rule) *Table {
	return &Table{
		rules:    rules,
		fallback: pushroute.RouteDecision{Route: fallback, Rule: "default"},
	}
}

// Rules returns the rule names in evaluation order.
func (t *Table) Rules() []string {
	names := make([]string, 0, len(t.rules))
	for _, r := range t.rules {
		names = append(names, r.Name)
	}
	return names
}

// Route resolves data to a single decision. It never fails: a nil or empty
// payload, or one that no rule matches, resolves to the fallback.
func (t *Table) Route(data map[string]string) pushroute.RouteDecision {
	for _, r := range t.rules {
		if d, ok := r.Match(data); ok {
			if d.Rule == "" {
				d.Rule = r.Name
			}
			return d
		}
	}
	return t.fallback
}

// ScreenTarget maps a screen name to its detail route and the companion field
// holding the ID.
type ScreenTarget struct {
	Screen  string
	IDField string
	Prefix  string
}

// TypeTarget maps a type tag to a feature. Detail routes are used only when the
// ID field is present; otherwise the list route.
type TypeTarget struct {
	Type    string
	IDField string
	List    string
	// Prefix matches every type starting with Type instead of exact equality.
	Prefix bool
}

// DefaultScreens are the screens a payload may name directly.
var DefaultScreens = []ScreenTarget{
	{Screen: "carwash-details", IDField: "carwashId", Prefix: "/carwash"},
	{Screen: "booking-details", IDField: "bookingId", Prefix: "/bookings"},
	{Screen: "request-details", IDField: "requestId", Prefix: "/requests"},
	{Screen: "offer-details", IDField: "offerId", Prefix: "/offer"},
	{Screen: "post-details", IDField: "postId", Prefix: "/community"},
	{Screen: "vehicle-report", IDField: "vin", Prefix: "/reports"},
}

// DefaultTypes are the type tags understood by the app.
var DefaultTypes = []TypeTarget{
	{Type: "chat_message", IDField: "offerId", List: "/chat"},
	{Type: "booking", IDField: "bookingId", List: "/bookings"},
	{Type: "new_request", IDField: "requestId", List: "/requests"},
	{Type: "new_offer", IDField: "requestId", List: "/offers"},
	{Type: "ai_", IDField: "requestId", List: "/ai-requests", Prefix: true},
	{Type: "garage_reminder", IDField: "vehicleId", List: "/garage"},
}

// DefaultTable returns the app's routing table:
//  1. subscription activation marker
//  2. known screen with its ID
//  3. known type tag
//  4. notifications list
func DefaultTable() *Table {
	return NewTable(RouteNotifications,
		SubscriptionActivatedRule(),
		ScreenRule(DefaultScreens),
		TypeRule(DefaultTypes),
	)
}

// SubscriptionActivatedRule sends the user home and raises the premium-info flag.
func SubscriptionActivatedRule() Rule {
	return Rule{
		Name: "subscription_activated",
		Match: func(data map[string]string) (pushroute.RouteDecision, bool) {
			if data[KeyScreen] != ScreenSubscriptionActivated {
				return pushroute.RouteDecision{}, false
			}
			return pushroute.RouteDecision{
				Route: RouteHome,
				Flags: []string{pushroute.FlagOpenPremiumInfo},
			}, true
		},
	}
}

// ScreenRule matches a known screen name whose companion ID is present. A known
// screen without its ID does not match.
func ScreenRule(targets []ScreenTarget) Rule {
	byScreen := make(map[string]ScreenTarget, len(targets))
	for _, t := range targets {
		byScreen[t.Screen] = t
	}
	return Rule{
		Name: "screen",
		Match: func(data map[string]string) (pushroute.RouteDecision, bool) {
			target, ok := byScreen[data[KeyScreen]]
			if !ok {
				return pushroute.RouteDecision{}, false
			}
			id := strings.TrimSpace(data[target.IDField])
			if id == "" {
				return pushroute.RouteDecision{}, false
			}
			return detail(target.Prefix, target.IDField, id), true
		},
	}
}

// TypeRule matches a known type tag, choosing the detail route when the ID is
// present and the list route otherwise.
func TypeRule(targets []TypeTarget) Rule {
	return Rule{
		Name: "type",
		Match: func(data map[string]string) (pushroute.RouteDecision, bool) {
			typ := data[KeyType]
			if typ == "" {
				return pushroute.RouteDecision{}, false
			}
			for _, target := range targets {
				if !target.matches(typ) {
					continue
				}
				if id := strings.TrimSpace(data[target.IDField]); id != "" {
					return detail(target.List, target.IDField, id), true
				}
				return pushroute.RouteDecision{Route: target.List}, true
			}
			return pushroute.RouteDecision{}, false
		},
	}
}

func (t TypeTarget) matches(typ string) bool {
	if t.Prefix {
		return strings.HasPrefix(typ, t.Type)
	}
	return typ == t.Type
}

func detail(prefix, field, id string) pushroute.RouteDecision {
	return pushroute.RouteDecision{
		Route:  prefix + "/" + id,
		Params: map[string]string{field: id},
	}
}

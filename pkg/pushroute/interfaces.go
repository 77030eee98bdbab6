// Package pushroute contains the public contracts and domain models for
// notification intake and in-app routing.
package pushroute

import (
	"context"
)

// Source identifies the delivery path an Event arrived on.
type Source string

const (
	// SourceForeground is a push delivered while the app is active. The
	// transport does not display it, so the router renders it locally.
	SourceForeground Source = "foreground"
	// SourceTap is a tap on a system-displayed notification while the app was
	// in the background.
	SourceTap Source = "tap"
	// SourceColdStart is the notification that launched the app process.
	SourceColdStart Source = "cold_start"
	// SourceLocalPress is a press on a notification the router displayed itself.
	SourceLocalPress Source = "local_press"
)

// Valid reports whether s is a known delivery path.
func (s Source) Valid() bool {
	switch s {
	case SourceForeground, SourceTap, SourceColdStart, SourceLocalPress:
		return true
	}
	return false
}

// MessageIDKey is the data key carrying the deduplication ID end to end. The
// app echoes it back when a system-displayed notification is opened.
const MessageIDKey = "messageId"

// Event is a normalized inbound push or local notification.
type Event struct {
	// MessageID is the opaque deduplication key. Empty means no dedup is possible.
	MessageID string            `json:"messageId,omitempty"`
	Title     string            `json:"title,omitempty"`
	Body      string            `json:"body,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// DedupKey returns MessageID, falling back to the ID carried in Data.
func (e Event) DedupKey() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	return e.Data[MessageIDKey]
}

// RouteDecision is the single navigation target resolved for an Event.
type RouteDecision struct {
	Route  string            `json:"route"`
	Params map[string]string `json:"params,omitempty"`
	// Flags are application-level switches raised alongside navigation,
	// e.g. FlagOpenPremiumInfo.
	Flags []string `json:"flags,omitempty"`
	// Rule is the name of the routing rule that produced the decision.
	Rule string `json:"rule"`
}

// FlagOpenPremiumInfo asks the app to open the premium-info surface after navigating.
const FlagOpenPremiumInfo = "open_premium_info"

// LocalNotification is what the router asks the display primitive to render.
type LocalNotification struct {
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
	Channel string            `json:"channel"`
}

// Channel describes the platform notification channel used for local display.
type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Importance string `json:"importance"`
}

// Displayer is the local notification display primitive.
type Displayer interface {
	// PrepareChannel creates (or re-declares) the platform channel.
	PrepareChannel(ctx context.Context, ch Channel) error
	Display(ctx context.Context, n LocalNotification) error
}

// Navigator is the navigation primitive; it is the router's sole output.
type Navigator interface {
	Navigate(ctx context.Context, decision RouteDecision) error
}

// Transport is the push transport primitive as seen at process start.
type Transport interface {
	// InitialNotification returns the notification that launched the process,
	// or nil when the process was not started by a notification.
	InitialNotification(ctx context.Context) (*Event, error)
}

package session

import (
	"github.com/tinywideclouds/go-realtime-service/pkg/livefeed"
	"github.com/tinywideclouds/go-realtime-service/pkg/pushroute"
)

// Inbound frame types sent by the app.
const (
	FrameHello      = "hello"
	FrameVisible    = "visible"
	FrameOpened     = "opened"
	FrameLocalPress = "local_press"
	FrameLike       = "like"
	FrameUnlike     = "unlike"
	FrameComment    = "comment"
	FrameUncomment  = "uncomment"
)

// Outbound frame types sent to the app.
const (
	FrameCounters = "counters"
	FrameChannel  = "channel"
	FrameDisplay  = "display"
	FrameNavigate = "navigate"
	FrameError    = "error"
)

// ClientFrame is any frame the app sends. Which fields are set depends on Type.
type ClientFrame struct {
	Type string `json:"type"`

	// hello
	InitialNotification *pushroute.Event `json:"initial_notification,omitempty"`
	// visible
	IDs []string `json:"ids,omitempty"`
	// opened
	Source pushroute.Source `json:"source,omitempty"`
	Event  *pushroute.Event `json:"event,omitempty"`
	// local_press
	Data map[string]string `json:"data,omitempty"`
	// like, unlike, comment, uncomment
	ID string `json:"id,omitempty"`
}

type countersFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	livefeed.Counters
}

type channelFrame struct {
	Type    string            `json:"type"`
	Channel pushroute.Channel `json:"channel"`
}

type displayFrame struct {
	Type         string                      `json:"type"`
	Notification pushroute.LocalNotification `json:"notification"`
}

type navigateFrame struct {
	Type string `json:"type"`
	pushroute.RouteDecision
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

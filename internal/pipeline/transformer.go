// Package pipeline contains the inbound push processing stages: decoding a
// Pub/Sub message into a push request and delivering it to the recipient.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
	"github.com/tinywideclouds/go-realtime-service/pkg/pushroute"
)

// PushRequest is a decoded inbound push addressed to one user.
type PushRequest struct {
	Recipient urn.URN
	Content   notification.NotificationContent
	Event     pushroute.Event
}

// PushRequestTransformer is a dataflow Transformer that unmarshals a
// notification.NotificationRequest and normalizes it into a PushRequest.
//
// The message ID is the producer's data.messageId when present, else the
// Pub/Sub message ID, and is always written back into the event data.
func PushRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*PushRequest, bool, error) {
	var nativeReq notification.NotificationRequest

	// The native type's UnmarshalJSON validates the recipient URN.
	if err := json.Unmarshal(msg.Payload, &nativeReq); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal notification request from message %s: %w", msg.ID, err)
	}

	data := make(map[string]string, len(nativeReq.DataPayload)+1)
	for k, v := range nativeReq.DataPayload {
		data[k] = v
	}
	messageID := data[pushroute.MessageIDKey]
	if messageID == "" {
		messageID = msg.ID
	}
	if messageID != "" {
		data[pushroute.MessageIDKey] = messageID
	}

	return &PushRequest{
		Recipient: nativeReq.RecipientID,
		Content:   nativeReq.Content,
		Event: pushroute.Event{
			MessageID: messageID,
			Title:     nativeReq.Content.Title,
			Body:      nativeReq.Content.Body,
			Data:      data,
		},
	}, false, nil
}

// Package ingestion implements the Event Dispatcher and Ingestion State
// Machine (spec §4.1, §4.2): validating push envelopes, routing them to the
// delete/archive/finalize control flow, and producing one ProcessAndPersist
// call per concrete DICOM blob.
package ingestion

import (
	"encoding/base64"
	"encoding/json"
	"regexp"

	"infra/dcmingest/internal/classify"
)

// PushEnvelope is the transport's at-least-once delivery wrapper (spec §6).
type PushEnvelope struct {
	Message PushMessage `json:"message"`
}

// PushMessage carries the notification attributes and base64 data.
type PushMessage struct {
	Attributes map[string]string `json:"attributes"`
	Data       string            `json:"data"`
}

// EventType enumerates the object-store notification kinds (spec §4.1).
type EventType string

const (
	EventFinalize       EventType = "finalize"
	EventDelete         EventType = "delete"
	EventArchive        EventType = "archive"
	EventMetadataUpdate EventType = "metadata_update"
)

const payloadFormatJSONAPIV1 = "JSON_API_V1"

var objectIDSuffixRe = regexp.MustCompile(`(?i)\.(dcm|dicom|zip)$`)

// objectNotificationData is the decoded body of an object-store push
// (spec §6: "data decoded from base64 is JSON {bucket, name, generation}").
type objectNotificationData struct {
	Bucket     string `json:"bucket"`
	Name       string `json:"name"`
	Generation string `json:"generation"`
}

// ObjectNotification is a validated, decoded object-store notification.
type ObjectNotification struct {
	EventType  EventType
	BucketID   string
	ObjectID   string
	Bucket     string
	Name       string
	Generation string
}

// Kind identifies which schema a push envelope matched (spec §4.1).
type Kind int

const (
	KindUnknown Kind = iota
	KindObjectStore
	KindDicomweb
)

// Match determines which schema env satisfies, per spec §4.1:
//   - object-store: attributes.payloadFormat == "JSON_API_V1",
//     attributes.eventType is one of the four known values, bucketId and
//     objectId present with an allow-listed suffix.
//   - dicomweb: message.data present and nothing else required.
//
// Object-store is checked first since it is the more specific schema.
func Match(env PushEnvelope) Kind {
	attrs := env.Message.Attributes
	if attrs["payloadFormat"] == payloadFormatJSONAPIV1 {
		et := EventType(attrs["eventType"])
		switch et {
		case EventFinalize, EventDelete, EventArchive, EventMetadataUpdate:
		default:
			return KindUnknown
		}
		if attrs["bucketId"] == "" || attrs["objectId"] == "" {
			return KindUnknown
		}
		if !objectIDSuffixRe.MatchString(attrs["objectId"]) {
			return KindUnknown
		}
		return KindObjectStore
	}
	if env.Message.Data != "" {
		return KindDicomweb
	}
	return KindUnknown
}

// DecodeObjectNotification decodes and validates an object-store
// notification already matched by Match.
func DecodeObjectNotification(env PushEnvelope) (ObjectNotification, error) {
	attrs := env.Message.Attributes
	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return ObjectNotification{}, classify.BadSchemaf("decoding base64 notification data: %v", err)
	}
	var data objectNotificationData
	if err := json.Unmarshal(raw, &data); err != nil {
		return ObjectNotification{}, classify.BadSchemaf("decoding notification JSON: %v", err)
	}
	return ObjectNotification{
		EventType:  EventType(attrs["eventType"]),
		BucketID:   attrs["bucketId"],
		ObjectID:   attrs["objectId"],
		Bucket:     data.Bucket,
		Name:       data.Name,
		Generation: data.Generation,
	}, nil
}

// DecodeDicomwebPath decodes a dicomweb notification (spec §6: "data
// decoded from base64 is a path string").
func DecodeDicomwebPath(env PushEnvelope) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return "", classify.BadSchemaf("decoding base64 notification data: %v", err)
	}
	var path string
	// The path arrives as a bare JSON string, not an object.
	if err := json.Unmarshal(raw, &path); err != nil {
		path = string(raw)
	}
	return path, nil
}

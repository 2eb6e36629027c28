package sparkplug

import (
	"fmt"
	"strings"
)

// Namespace is the Sparkplug B topic namespace.
const Namespace = "spBv1.0"

// Sparkplug message types this service handles.
const (
	MessageTypeDBirth = "DBIRTH"
	MessageTypeNBirth = "NBIRTH"
	MessageTypeDData  = "DDATA"
	MessageTypeNData  = "NDATA"
	MessageTypeDDeath = "DDEATH"
	MessageTypeNDeath = "NDEATH"
)

// Topic is a parsed Sparkplug B topic
// spBv1.0/<Group>/<MessageType>/<EdgeNode>[/<Device>].
type Topic struct {
	Group       string
	MessageType string
	EdgeNode    string
	Device      string
}

// IsBirth reports whether the topic carries a birth frame.
func (t Topic) IsBirth() bool {
	return t.MessageType == MessageTypeDBirth || t.MessageType == MessageTypeNBirth
}

// IsDeviceScoped reports whether the topic names a device.
func (t Topic) IsDeviceScoped() bool {
	return t.Device != ""
}

// String reassembles the canonical topic string.
func (t Topic) String() string {
	parts := []string{Namespace, t.Group, t.MessageType, t.EdgeNode}
	if t.Device != "" {
		parts = append(parts, t.Device)
	}
	return strings.Join(parts, "/")
}

// MalformedTopicError reports a topic outside the Sparkplug B shape.
type MalformedTopicError struct {
	Topic  string
	Reason string
}

func (e *MalformedTopicError) Error() string {
	return fmt.Sprintf("malformed sparkplug topic %q: %s", e.Topic, e.Reason)
}

// ParseTopic parses a Sparkplug B topic string. The namespace segment is
// matched case-insensitively.
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || len(parts) > 5 {
		return Topic{}, &MalformedTopicError{Topic: topic, Reason: "expected 4 or 5 segments"}
	}
	if !strings.EqualFold(parts[0], Namespace) {
		return Topic{}, &MalformedTopicError{Topic: topic, Reason: "namespace is not spBv1.0"}
	}
	t := Topic{
		Group:       parts[1],
		MessageType: strings.ToUpper(parts[2]),
		EdgeNode:    parts[3],
	}
	if len(parts) == 5 {
		t.Device = parts[4]
	}
	if t.Group == "" || t.EdgeNode == "" || t.MessageType == "" {
		return Topic{}, &MalformedTopicError{Topic: topic, Reason: "empty group, message type, or edge node"}
	}
	return t, nil
}

// RebirthTopic returns the command topic a rebirth request is published to.
func RebirthTopic(group, edgeNode string) string {
	return fmt.Sprintf("%s/%s/%s/command/rebirth", Namespace, group, edgeNode)
}

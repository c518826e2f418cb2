package mqtt

import (
	"log"
	"net/url"
	"strings"

	"longhaul-telemetry/internal/metrics"
	"longhaul-telemetry/internal/telemetry"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// System property keys carried in the topic property bag.
const (
	propMessageID       = "$.mid"
	propCorrelationID   = "$.cid"
	propContentType     = "$.ct"
	propContentEncoding = "$.ce"

	deviceBoundSegment = "/devicebound/"
)

// PublishTopic appends the URL-encoded property bag of msg to the telemetry
// topic prefix.
func PublishTopic(prefix string, msg telemetry.Message) string {
	values := url.Values{}
	for k, v := range msg.Properties {
		values.Set(k, v)
	}
	if msg.MessageID != "" {
		values.Set(propMessageID, msg.MessageID)
	}
	if msg.ContentType != "" {
		values.Set(propContentType, msg.ContentType)
	}
	if msg.ContentEncoding != "" {
		values.Set(propContentEncoding, msg.ContentEncoding)
	}

	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + values.Encode()
}

// ParseInbound decodes a cloud-to-device message. System properties in the
// topic property bag fill the message metadata; the rest become user
// properties. A malformed bag is logged and ignored.
func ParseInbound(topic string, payload []byte) telemetry.InboundMessage {
	msg := telemetry.InboundMessage{
		Body:       append([]byte(nil), payload...),
		Properties: make(map[string]string),
	}

	bag := propertyBag(topic)
	if bag == "" {
		return msg
	}

	values, err := url.ParseQuery(bag)
	if err != nil {
		log.Printf("mqtt: malformed property bag in %q: %v", topic, err)
	}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		value := vals[0]
		switch key {
		case propMessageID:
			msg.MessageID = value
		case propCorrelationID:
			msg.CorrelationID = value
		case propContentType:
			msg.ContentType = value
		case propContentEncoding:
			msg.ContentEncoding = value
		default:
			if strings.HasPrefix(key, "$.") {
				continue
			}
			msg.Properties[key] = value
		}
	}
	return msg
}

// propertyBag returns the part of topic after the devicebound segment.
func propertyBag(topic string) string {
	idx := strings.Index(topic, deviceBoundSegment)
	if idx < 0 {
		return ""
	}
	return topic[idx+len(deviceBoundSegment):]
}

// handleMessage hands an inbound message to the registered handler and
// acknowledges it unless the handler abandons it. Abandoned messages stay
// unacknowledged so the broker redelivers them.
func (c *Client) handleMessage(msg paho.Message) {
	metrics.RecordMQTTMessage()

	inbound := ParseInbound(msg.Topic(), msg.Payload())
	if msg.Duplicate() {
		log.Printf("mqtt: redelivered message %q", inbound.MessageID)
	}

	c.handlersMu.RLock()
	handler := c.onMessage
	c.handlersMu.RUnlock()

	disposition := telemetry.DispositionAccepted
	if handler != nil {
		disposition = handler(inbound)
	}

	switch disposition {
	case telemetry.DispositionAccepted, telemetry.DispositionRejected:
		msg.Ack()
	default:
		log.Printf("mqtt: message %q abandoned", inbound.MessageID)
	}
}

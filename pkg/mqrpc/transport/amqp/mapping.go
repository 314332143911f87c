package amqp

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// toPublishing maps a transport message onto AMQP properties.
// reply_to and correlation_id travel as native properties, not headers.
func toPublishing(msg transport.Message) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   "application/octet-stream",
		DeliveryMode:  amqp.Transient,
		ReplyTo:       msg.Metadata.ReplyTo,
		CorrelationId: msg.Metadata.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Body:          msg.Payload,
	}
	if msg.Metadata.Durable {
		p.DeliveryMode = amqp.Persistent
	}
	if len(msg.Metadata.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Metadata.Headers))
		for k, v := range msg.Metadata.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

// fromDelivery maps a received delivery back to a transport message.
// Header values that are not strings are dropped.
func fromDelivery(d amqp.Delivery) transport.Message {
	msg := transport.Message{
		Payload: d.Body,
		Metadata: transport.Metadata{
			ReplyTo:       d.ReplyTo,
			CorrelationID: d.CorrelationId,
			Durable:       d.DeliveryMode == amqp.Persistent,
		},
	}
	if len(d.Headers) > 0 {
		headers := make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			switch val := v.(type) {
			case string:
				headers[k] = val
			case []byte:
				headers[k] = string(val)
			}
		}
		if len(headers) > 0 {
			msg.Metadata.Headers = headers
		}
	}
	return msg
}

// deliveryCount reads x-delivery-count, which brokers encode with varying
// integer widths.
func deliveryCount(h amqp.Table) (int, bool) {
	switch v := h["x-delivery-count"].(type) {
	case int:
		return v, true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	default:
		return 0, false
	}
}

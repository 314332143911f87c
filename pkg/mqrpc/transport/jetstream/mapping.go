package jetstream

import (
	"github.com/nats-io/nats.go"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc/transport"
)

// NATS has no native reply-to or correlation properties for stored
// messages, so they travel as headers.
const (
	headerReplyTo       = "Mqrpc-Reply-To"
	headerCorrelationID = "Mqrpc-Correlation-Id"
)

func toNatsMsg(subj string, msg transport.Message) *nats.Msg {
	m := &nats.Msg{
		Subject: subj,
		Data:    msg.Payload,
		Header:  make(nats.Header),
	}
	for k, v := range msg.Metadata.Headers {
		m.Header.Set(k, v)
	}
	if msg.Metadata.ReplyTo != "" {
		m.Header.Set(headerReplyTo, msg.Metadata.ReplyTo)
	}
	if msg.Metadata.CorrelationID != "" {
		m.Header.Set(headerCorrelationID, msg.Metadata.CorrelationID)
	}
	return m
}

// fromNatsMsg rebuilds a transport message. Everything read from a stream
// was persisted, so Durable is always set.
func fromNatsMsg(data []byte, h nats.Header) transport.Message {
	msg := transport.Message{
		Payload: data,
		Metadata: transport.Metadata{
			ReplyTo:       h.Get(headerReplyTo),
			CorrelationID: h.Get(headerCorrelationID),
			Durable:       true,
		},
	}
	for k, vals := range h {
		if k == headerReplyTo || k == headerCorrelationID || len(vals) == 0 {
			continue
		}
		if msg.Metadata.Headers == nil {
			msg.Metadata.Headers = make(map[string]string)
		}
		msg.Metadata.Headers[k] = vals[0]
	}
	return msg
}

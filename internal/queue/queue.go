// Package queue implements the durable queue adapter: resume messages
// are published with {execution_id, segment_number, start_step_index?,
// trace_id} bodies, authenticated via a signature header, with the
// receive endpoint required to verify it. Trace-context injection/
// extraction wraps the NATS publish/subscribe calls directly.
package queue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	subjectResume = "sagaengine.v1.resume"
	headerSignature = "X-Saga-Signature"
)

// ResumeMessage is the resume-subject message body.
type ResumeMessage struct {
	ExecutionID    string `json:"execution_id"`
	SegmentNumber  int    `json:"segment_number"`
	StartStepIndex *int   `json:"start_step_index,omitempty"`
	TraceID        string `json:"trace_id"`
}

// Publisher publishes resume messages signed with an HMAC-SHA256 header.
type Publisher struct {
	nc         *nats.Conn
	signingKey []byte
}

func NewPublisher(nc *nats.Conn, signingKey string) *Publisher {
	return &Publisher{nc: nc, signingKey: []byte(signingKey)}
}

func (p *Publisher) sign(payload []byte) string {
	mac := hmac.New(sha256.New, p.signingKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// PublishResume publishes a resume message, injecting the current trace
// context into the message headers.
func (p *Publisher) PublishResume(ctx context.Context, msg ResumeMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	header := make(nats.Header)
	propagation.TraceContext{}.Inject(ctx, natsHeaderCarrier{header})
	header.Set(headerSignature, p.sign(payload))

	natsMsg := &nats.Msg{Subject: subjectResume, Data: payload, Header: header}
	return p.nc.PublishMsg(natsMsg)
}

// VerifySignature enforces that the receive endpoint verifies the
// signature; unsigned messages in production are rejected.
func (p *Publisher) VerifySignature(payload []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected := p.sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Handler is invoked for each verified resume message.
type Handler func(ctx context.Context, msg ResumeMessage)

// Subscribe wires a handler that verifies the signature header before
// extracting trace context and dispatching, rejecting anything unsigned.
func Subscribe(nc *nats.Conn, pub *Publisher, handler Handler) (*nats.Subscription, error) {
	return nc.Subscribe(subjectResume, func(natsMsg *nats.Msg) {
		sig := natsMsg.Header.Get(headerSignature)
		if !pub.VerifySignature(natsMsg.Data, sig) {
			return
		}
		var msg ResumeMessage
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			return
		}

		ctx := propagation.TraceContext{}.Extract(context.Background(), natsHeaderCarrier{natsMsg.Header})
		tracer := otel.Tracer("sagaengine-queue")
		ctx, span := tracer.Start(ctx, "queue.resume")
		defer span.End()

		handler(ctx, msg)
	})
}

type natsHeaderCarrier struct{ header nats.Header }

func (c natsHeaderCarrier) Get(key string) string { return c.header.Get(key) }
func (c natsHeaderCarrier) Set(key, value string) { c.header.Set(key, value) }
func (c natsHeaderCarrier) Keys() []string {
	out := make([]string, 0, len(c.header))
	for k := range c.header {
		out = append(out, k)
	}
	return out
}

var _ propagation.TextMapCarrier = natsHeaderCarrier{}

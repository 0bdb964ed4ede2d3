package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
)

// messageCarrier adapts Kafka record headers to the TextMapCarrier interface
// used by OpenTelemetry propagators.
type messageCarrier struct {
	headers []sarama.RecordHeader
}

func (mc *messageCarrier) Get(key string) string {
	for _, h := range mc.headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (mc *messageCarrier) Set(key, value string) {
	mc.headers = append(mc.headers, sarama.RecordHeader{
		Key:   []byte(key),
		Value: []byte(value),
	})
}

func (mc *messageCarrier) Keys() []string {
	keys := make([]string, len(mc.headers))
	for i, h := range mc.headers {
		keys[i] = string(h.Key)
	}
	return keys
}

// InjectTraceContext adds the current trace context to a producer message's
// headers so consumers can continue the trace.
func InjectTraceContext(ctx context.Context, msg *sarama.ProducerMessage) {
	carrier := &messageCarrier{headers: msg.Headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	msg.Headers = carrier.headers
}

// ExtractTraceContext recovers the trace context carried in a consumed
// message's headers.
func ExtractTraceContext(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	var headers []sarama.RecordHeader
	for _, h := range msg.Headers {
		if h != nil {
			headers = append(headers, *h)
		}
	}
	carrier := &messageCarrier{headers: headers}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

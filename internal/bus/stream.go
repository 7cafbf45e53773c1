package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/praxhq/prax/pkg/api"
)

// Broadcaster pushes an encoded frame to every connected stream client
type Broadcaster func(data []byte)

const streamMessageType = "process_event"

// NewStreamPublisher returns a handler that encodes events into the live
// stream envelope and hands them to the broadcaster
func NewStreamPublisher(logger *slog.Logger, fn Broadcaster) Handler {
	return func(e api.Event) {
		data, err := encodeEnvelope(e)
		if err != nil {
			logger.Error("failed to encode stream event",
				slog.String("event_type", string(e.EventType())),
				slog.Any("error", err),
			)
			return
		}
		fn(data)
	}
}

// encodeEnvelope flattens the event's own fields into the envelope so
// clients see one object per frame
func encodeEnvelope(e api.Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	envelope := map[string]any{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	envelope["type"] = streamMessageType
	envelope["event_type"] = e.EventType()
	return json.Marshal(envelope)
}

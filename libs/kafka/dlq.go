package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// DLQError marks a handler failure as permanent: the consumer skips any
// remaining retries and dead-letters the message straight away.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

type DLQPayload struct {
	OriginalTopic string            `json:"original_topic"`
	Partition     int32             `json:"partition"`
	Offset        int64             `json:"offset"`
	Key           string            `json:"key,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Error         string            `json:"error"`
	Reason        string            `json:"reason,omitempty"`
	Attempts      int               `json:"attempts"`
	Payload       string            `json:"payload_base64"`
	Timestamp     time.Time         `json:"timestamp"`
}

func BuildDLQPayload(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DLQPayload {
	out := DLQPayload{
		Attempts:  attempts,
		Timestamp: time.Now().UTC(),
	}
	if msg != nil {
		out.OriginalTopic = msg.Topic
		out.Partition = msg.Partition
		out.Offset = msg.Offset
		out.Key = string(msg.Key)
		if len(msg.Value) > 0 {
			out.Payload = base64.StdEncoding.EncodeToString(msg.Value)
		}
		if len(msg.Headers) > 0 {
			out.Headers = make(map[string]string, len(msg.Headers))
			for _, h := range msg.Headers {
				if h == nil {
					continue
				}
				out.Headers[string(h.Key)] = string(h.Value)
			}
		}
	}
	if err != nil {
		out.Reason = err.Reason
		if err.Err != nil {
			out.Error = err.Err.Error()
		} else {
			out.Error = err.Error()
		}
	}
	return out
}

type DLQPublishPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildPublishDLQPayload(topic, key string, value any, err error, reason string, attempts int) DLQPublishPayload {
	out := DLQPublishPayload{
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      attempts,
		Timestamp:     time.Now().UTC(),
	}
	if value != nil {
		raw, marshalErr := json.Marshal(value)
		if marshalErr != nil {
			raw = []byte(fmt.Sprintf("%v", value))
		}
		out.Payload = base64.StdEncoding.EncodeToString(raw)
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

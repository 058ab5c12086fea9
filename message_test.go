package pscompat

import (
	"errors"
	"testing"
	"time"

	pubsubpb "google.golang.org/genproto/googleapis/pubsub/v1"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func TestParseOffsetAbsentDefaultsToZero(t *testing.T) {
	offset, err := parseOffset("")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if offset != 0 {
		t.Errorf("expected 0, got %d", offset)
	}
}

func TestParseOffsetValid(t *testing.T) {
	offset, err := parseOffset("42")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if offset != 42 {
		t.Errorf("expected 42, got %d", offset)
	}
}

func TestParseOffsetUnparsableIsFatal(t *testing.T) {
	_, err := parseOffset("not-a-number")
	if err == nil {
		t.Fatal("expected an error for an unparsable offset")
	}
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if pe.Kind != KindUnparsableOffset {
		t.Errorf("expected KindUnparsableOffset, got %s", pe.Kind)
	}
}

func TestParseOffsetNegativeIsFatal(t *testing.T) {
	_, err := parseOffset("-1")
	if err == nil {
		t.Fatal("expected an error for a negative offset")
	}
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if pe.Kind != KindUnparsableOffset {
		t.Errorf("expected KindUnparsableOffset, got %s", pe.Kind)
	}
}

func TestFromReceivedDecodesKeyAndOffset(t *testing.T) {
	rm := &pubsubpb.ReceivedMessage{
		AckId: "ack-1",
		Message: &pubsubpb.PubsubMessage{
			Data: []byte("payload"),
			Attributes: map[string]string{
				keyAttribute:    "a2V5", // base64("key")
				offsetAttribute: "7",
			},
			PublishTime: timestamppb.New(time.Unix(1000, 0)),
		},
		DeliveryAttempt: 1,
	}

	m, err := fromReceived("my-topic", rm)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(m.Key) != "key" {
		t.Errorf("expected key %q, got %q", "key", m.Key)
	}
	if string(m.Value) != "payload" {
		t.Errorf("expected value %q, got %q", "payload", m.Value)
	}
	if m.SyntheticOffset != 7 {
		t.Errorf("expected offset 7, got %d", m.SyntheticOffset)
	}
	if m.Topic != "my-topic" {
		t.Errorf("expected topic %q, got %q", "my-topic", m.Topic)
	}
}

func TestFromReceivedMissingKeyAttribute(t *testing.T) {
	rm := &pubsubpb.ReceivedMessage{
		AckId: "ack-2",
		Message: &pubsubpb.PubsubMessage{
			Data:        []byte("payload"),
			PublishTime: timestamppb.New(time.Unix(1000, 0)),
		},
	}
	m, err := fromReceived("my-topic", rm)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if m.Key != nil {
		t.Errorf("expected nil key, got %q", m.Key)
	}
}

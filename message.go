package pscompat

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	pubsubpb "google.golang.org/genproto/googleapis/pubsub/v1"
)

// Message is the caller-visible envelope returned from Subscriber.Pull.
// Field layout mirrors the teacher's ConsumerMessage (Key, Value,
// Topic, Offset) with the server-leased fields (AckID) that a
// partition/offset based consumer never needed.
type Message struct {
	AckID           string
	Key             []byte
	Value           []byte
	Topic           string
	SyntheticOffset int64
	PublishTime     time.Time
	DeliveryAttempt int32
}

// keyAttribute and offsetAttribute are the producer-populated message
// attributes the wire format uses in place of native key/offset
// concepts (§6, bit-exact, compat-critical).
const (
	keyAttribute    = "key"
	offsetAttribute = "offset"
)

// fromReceived converts a wire ReceivedMessage into a Message,
// enforcing the bit-exact conventions of §6: the key attribute is
// base64, the offset attribute is a base-10 integer defaulting to 0
// when absent, and a negative or unparsable offset is fatal.
func fromReceived(topic string, rm *pubsubpb.ReceivedMessage) (*Message, error) {
	pm := rm.GetMessage()

	var key []byte
	if encoded, ok := pm.GetAttributes()[keyAttribute]; ok {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, wrapErr(KindTerminal, "decodeKeyAttribute", err)
		}
		key = decoded
	}

	offset, err := parseOffset(pm.GetAttributes()[offsetAttribute])
	if err != nil {
		return nil, err
	}

	return &Message{
		AckID:           rm.GetAckId(),
		Key:             key,
		Value:           pm.GetData(),
		Topic:           topic,
		SyntheticOffset: offset,
		PublishTime:     pm.GetPublishTime().AsTime(),
		DeliveryAttempt: rm.GetDeliveryAttempt(),
	}, nil
}

// parseOffset implements the rule from §6/§9: absent -> 0, unparsable
// or negative -> UNPARSABLE_OFFSET (the source left the negative case
// ambiguous; we resolve it as fatal for safety, same as an unparsable
// string).
func parseOffset(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, wrapErr(KindUnparsableOffset, "parseOffset", fmt.Errorf("attribute %q is not a non-negative base-10 integer", raw))
	}
	return v, nil
}

package bus

import (
	"strings"
	"time"

	"github.com/curtisnewbie/microbus/config"
	"github.com/curtisnewbie/microbus/errs"
)

const (
	// transport used by the bus: memory, rabbitmq, redis or kafka | memory
	PropBusTransport = "bus.transport"

	// delivery mode: at-most-once or at-least-once | at-most-once
	PropBusDeliveryMode = "bus.delivery.mode"

	// max redelivery of a failed message in at-least-once mode, -1 means forever | -1
	PropBusDeliveryMaxRetry = "bus.delivery.max-retry"

	// delay before a failed message is redelivered in at-least-once mode (milliseconds) | 5000
	PropBusDeliveryRetryDelayMs = "bus.delivery.retry-delay-ms"

	// max unacknowledged messages per consumer, 0 uses the transport's default | 0
	PropBusConsumerQos = "bus.consumer.qos"

	// time to wait for consumers to finish in-flight messages on shutdown (seconds) | 30
	PropBusShutdownTimeoutSec = "bus.shutdown.timeout-sec"
)

func init() {
	config.SetDefProp(PropBusTransport, "memory")
	config.SetDefProp(PropBusDeliveryMode, string(AtMostOnce))
	config.SetDefProp(PropBusDeliveryMaxRetry, -1)
	config.SetDefProp(PropBusDeliveryRetryDelayMs, 5000)
	config.SetDefProp(PropBusConsumerQos, 0)
	config.SetDefProp(PropBusShutdownTimeoutSec, 30)
}

type DeliveryMode string

const (
	// Messages are acknowledged before handlers run, a failed message is lost (or dead-lettered).
	AtMostOnce DeliveryMode = "at-most-once"

	// Messages are acknowledged after handlers succeed, a failed message is redelivered.
	AtLeastOnce DeliveryMode = "at-least-once"
)

func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch DeliveryMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", AtMostOnce:
		return AtMostOnce, nil
	case AtLeastOnce:
		return AtLeastOnce, nil
	}
	return "", errs.NewErrf("invalid delivery mode: '%v'", s)
}

type DeliveryPolicy struct {
	Mode DeliveryMode

	// Max redelivery in AtLeastOnce mode, -1 means forever.
	MaxRetry int

	RetryDelay time.Duration
	Qos        int
}

func DefaultDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{Mode: AtMostOnce, MaxRetry: -1}
}

// Build DeliveryPolicy from props.
func DeliveryPolicyFromConfig() (DeliveryPolicy, error) {
	mode, err := ParseDeliveryMode(config.GetPropStr(PropBusDeliveryMode))
	if err != nil {
		return DeliveryPolicy{}, err
	}
	return DeliveryPolicy{
		Mode:       mode,
		MaxRetry:   config.GetPropInt(PropBusDeliveryMaxRetry),
		RetryDelay: config.GetPropDur(PropBusDeliveryRetryDelayMs, time.Millisecond),
		Qos:        config.GetPropInt(PropBusConsumerQos),
	}, nil
}

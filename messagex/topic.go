package messagex

import (
	"strings"

	"github.com/nuagemq/pubsub/errorx"
)

type (
	Topic        string
	Subscription string
)

const nameSeparator = "."

func NewTopic(topic string) (Topic, error) {
	if err := validateName(string(topic)); err != nil {
		return "", err
	}

	return Topic(topic), nil
}

func NewSubscription(subscription string) (Subscription, error) {
	if err := validateName(string(subscription)); err != nil {
		return "", err
	}

	return Subscription(subscription), nil
}

func validateName(name string) error {
	if name == "" {
		return errorx.InvalidArgumentErrorf("resource name cannot be empty")
	}
	if strings.Contains(name, nameSeparator) {
		return errorx.InvalidArgumentErrorf("resource name %q cannot contain %q", name, nameSeparator)
	}

	return nil
}

// TopicName returns the topic name qualified with the given scope.
// If the scope is empty, it returns the topic name as is.
// This should be used when interacting with the concrete transport.
func (t Topic) TopicName(scope string) string {
	return scopedName(scope, string(t))
}

// SubscriptionName returns the subscription name qualified with the given scope.
func (s Subscription) SubscriptionName(scope string) string {
	return scopedName(scope, string(s))
}

func scopedName(scope, name string) string {
	if scope != "" {
		return scope + nameSeparator + name
	}

	return name
}

// TopicFromName strips the scope qualifier off a transport-level name.
func TopicFromName(topicName string) Topic {
	splits := strings.Split(topicName, nameSeparator)
	if len(splits) > 1 {
		return Topic(strings.Join(splits[1:], nameSeparator))
	}

	return Topic(splits[0])
}

// SubscriptionFromName strips the scope qualifier off a transport-level name.
func SubscriptionFromName(subscriptionName string) Subscription {
	splits := strings.Split(subscriptionName, nameSeparator)
	if len(splits) > 1 {
		return Subscription(strings.Join(splits[1:], nameSeparator))
	}

	return Subscription(splits[0])
}

package messagex

import (
	"testing"

	"github.com/nuagemq/pubsub/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTopic(t *testing.T) {
	t.Run("should return new topic with valid topic name", func(t *testing.T) {
		topic, err := NewTopic("my-topic")
		assert.NoError(t, err)
		assert.Equal(t, "my-topic", string(topic))
	})

	t.Run("should return error with invalid topic name", func(t *testing.T) {
		topic, err := NewTopic("my" + nameSeparator + "topic")
		assert.True(t, errorx.IsInvalidArgumentError(err))
		assert.Equal(t, Topic(""), topic)
	})

	t.Run("should return error with empty topic name", func(t *testing.T) {
		_, err := NewTopic("")
		assert.True(t, errorx.IsInvalidArgumentError(err))
	})
}

func TestTopicName(t *testing.T) {
	t.Run("should return topic name with no scope", func(t *testing.T) {
		topic, err := NewTopic("my-topic")
		require.NoError(t, err)
		assert.Equal(t, "my-topic", topic.TopicName(""))
	})

	t.Run("should return topic name with scope", func(t *testing.T) {
		topic, err := NewTopic("my-topic")
		require.NoError(t, err)
		assert.Equal(t, "scope"+nameSeparator+"my-topic", topic.TopicName("scope"))
	})
}

func TestSubscriptionName(t *testing.T) {
	sub, err := NewSubscription("my-sub")
	require.NoError(t, err)
	assert.Equal(t, "scope.my-sub", sub.SubscriptionName("scope"))
	assert.Equal(t, Subscription("my-sub"), SubscriptionFromName("scope.my-sub"))
}

func TestTopicFromName(t *testing.T) {
	assert.Equal(t, Topic("my-topic"), TopicFromName("scope.my-topic"))
	assert.Equal(t, Topic("my-topic"), TopicFromName("my-topic"))
}

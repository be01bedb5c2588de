package pubsub

import (
	"runtime"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/nuagemq/pubsub/errorx"
	"github.com/nuagemq/pubsub/flowx"
	"github.com/nuagemq/pubsub/retryx"
)

type Config struct {
	// Scope qualifies every resource name passed to the transport. It is
	// typically the project or environment identifier.
	Scope      string           `json:"scope"`
	Provider   string           `json:"provider"`
	Providers  ProvidersConfig  `json:"providers"`
	Publisher  PublisherConfig  `json:"publisher"`
	Subscriber SubscriberConfig `json:"subscriber"`
}

type ProvidersConfig struct {
	InMemory InMemoryConfig `json:"inmemory"`
	NATS     NATSConfig     `json:"nats"`
}

type InMemoryConfig struct {
	// AckDeadline is the redelivery deadline the in process broker applies
	// to every delivery.
	AckDeadline time.Duration `json:"ackDeadline"`
}

type NATSConfig struct {
	// URL of the NATS server; credentials, if any, are embedded in the URL
	// and opaque to this library.
	URL     string        `json:"url"`
	AckWait time.Duration `json:"ackWait"`
}

type PublisherConfig struct {
	// ExecutorCount bounds the number of concurrent batch flushes.
	ExecutorCount int               `json:"executorThreads"`
	Retry         RetryConfig       `json:"retry"`
	FlowControl   FlowControlConfig `json:"flowControl"`
	Batching      BatchingConfig    `json:"batching"`
}

type SubscriberConfig struct {
	// ExecutorCount is the number of goroutines dispatching messages to the
	// subscriber callback.
	ExecutorCount int `json:"executorThreads"`
	// ParallelPullCount is the number of concurrent pull workers per
	// subscription.
	ParallelPullCount int `json:"parallelPullCount"`
	// MaxAckExtensionPeriod bounds how long past receipt the ack deadline
	// of an in flight message keeps being extended. Zero disables
	// extension; the callback must finish within the initial deadline.
	MaxAckExtensionPeriod time.Duration `json:"maxAckExtensionPeriod"`
	// PullEndpoint, when set, gives subscription clients their own
	// connection to this URL instead of sharing the publish connection.
	// Only the nats provider supports it.
	PullEndpoint string            `json:"pullEndpoint"`
	Retry                 RetryConfig       `json:"retry"`
	FlowControl           FlowControlConfig `json:"flowControl"`
}

type RetryConfig struct {
	TotalTimeout         time.Duration `json:"totalTimeout"`
	InitialRetryDelay    time.Duration `json:"initialRetryDelay"`
	RetryDelayMultiplier float64       `json:"retryDelayMultiplier"`
	MaxRetryDelay        time.Duration `json:"maxRetryDelay"`
	MaxAttempts          int           `json:"maxAttempts"`
	Jittered             *bool         `json:"jittered"`
	InitialRPCTimeout    time.Duration `json:"initialRpcTimeout"`
	RPCTimeoutMultiplier float64       `json:"rpcTimeoutMultiplier"`
	MaxRPCTimeout        time.Duration `json:"maxRpcTimeout"`
}

type FlowControlConfig struct {
	// MaxOutstandingElementCount and MaxOutstandingRequestBytes of zero or
	// less mean unlimited.
	MaxOutstandingElementCount int64  `json:"maxOutstandingElementCount"`
	MaxOutstandingRequestBytes int64  `json:"maxOutstandingRequestBytes"`
	LimitExceededBehavior      string `json:"limitExceededBehavior"`
}

type BatchingConfig struct {
	Enabled               bool          `json:"enabled"`
	ElementCountThreshold int           `json:"elementCountThreshold"`
	RequestByteThreshold  int           `json:"requestByteThreshold"`
	DelayThreshold        time.Duration `json:"delayThreshold"`
}

const (
	DefaultProvider      = "inmemory"
	defaultExecutorCount = 4
)

// withDefaults returns a copy of the config with every unset knob filled
// with its documented default.
func (c Config) withDefaults() Config {
	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	if c.Publisher.ExecutorCount <= 0 {
		c.Publisher.ExecutorCount = defaultExecutorCount
	}
	if c.Subscriber.ExecutorCount <= 0 {
		c.Subscriber.ExecutorCount = defaultExecutorCount
	}
	if c.Subscriber.ParallelPullCount <= 0 {
		c.Subscriber.ParallelPullCount = runtime.NumCPU()
	}
	c.Publisher.Retry = c.Publisher.Retry.withDefaults()
	c.Subscriber.Retry = c.Subscriber.Retry.withDefaults()
	c.Publisher.FlowControl = c.Publisher.FlowControl.withDefaults()
	c.Subscriber.FlowControl = c.Subscriber.FlowControl.withDefaults()
	return c
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.RetryDelayMultiplier == 0 {
		c.RetryDelayMultiplier = 1
	}
	if c.RPCTimeoutMultiplier == 0 {
		c.RPCTimeoutMultiplier = 1
	}
	if c.Jittered == nil {
		jittered := true
		c.Jittered = &jittered
	}
	return c
}

func (c FlowControlConfig) withDefaults() FlowControlConfig {
	if c.LimitExceededBehavior == "" {
		c.LimitExceededBehavior = string(flowx.Block)
	}
	return c
}

func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Provider, validation.Required, validation.In("inmemory", "nats")),
		validation.Field(&c.Publisher),
		validation.Field(&c.Subscriber),
	)
	if err != nil {
		return err
	}

	if c.Subscriber.PullEndpoint != "" && c.Provider != "nats" {
		return errorx.InvalidArgumentErrorf("pullEndpoint requires the nats provider, got %q", c.Provider)
	}

	return nil
}

func (c PublisherConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ExecutorCount, validation.Min(1)),
		validation.Field(&c.Retry),
		validation.Field(&c.FlowControl),
		validation.Field(&c.Batching),
	)
}

func (c SubscriberConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ExecutorCount, validation.Min(1)),
		validation.Field(&c.ParallelPullCount, validation.Min(1)),
		validation.Field(&c.MaxAckExtensionPeriod, validation.Min(time.Duration(0))),
		validation.Field(&c.Retry),
		validation.Field(&c.FlowControl),
	)
}

func (c RetryConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.RetryDelayMultiplier, validation.Min(float64(1))),
		validation.Field(&c.RPCTimeoutMultiplier, validation.Min(float64(1))),
		validation.Field(&c.MaxAttempts, validation.Min(0)),
	)
}

func (c FlowControlConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.LimitExceededBehavior, validation.Required, validation.In(
			string(flowx.Block), string(flowx.Ignore), string(flowx.Reject),
		)),
	)
}

func (c BatchingConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ElementCountThreshold, validation.Min(0)),
		validation.Field(&c.RequestByteThreshold, validation.Min(0)),
		validation.Field(&c.DelayThreshold, validation.Min(time.Duration(0))),
	)
}

func (c RetryConfig) policy() retryx.Policy {
	jittered := true
	if c.Jittered != nil {
		jittered = *c.Jittered
	}

	return retryx.Policy{
		TotalTimeout:         c.TotalTimeout,
		InitialDelay:         c.InitialRetryDelay,
		DelayMultiplier:      c.RetryDelayMultiplier,
		MaxDelay:             c.MaxRetryDelay,
		MaxAttempts:          c.MaxAttempts,
		Jittered:             jittered,
		InitialRPCTimeout:    c.InitialRPCTimeout,
		RPCTimeoutMultiplier: c.RPCTimeoutMultiplier,
		MaxRPCTimeout:        c.MaxRPCTimeout,
	}
}

func (c FlowControlConfig) controller() (*flowx.Controller, error) {
	behavior, err := flowx.ParseLimitBehavior(c.LimitExceededBehavior)
	if err != nil {
		return nil, err
	}

	return flowx.NewController(c.MaxOutstandingElementCount, c.MaxOutstandingRequestBytes, behavior), nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, errorx.InvalidArgumentErrorf("failed to load config file %s: %v", path, err)
	}

	c := &Config{}
	if err := k.UnmarshalWithConf("", c, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, errorx.InvalidArgumentErrorf("failed to parse config file %s: %v", path, err)
	}

	return c, nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"

	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
)

// EnvPrefix is prepended to every environment variable, for example
// MEDIAFLOW_WORKER_BIN or MEDIAFLOW_OBSERVER_SINK.
const EnvPrefix = "MEDIAFLOW"

// NewViper returns a viper instance with mediaflow defaults and environment
// bindings applied. path may be empty, in which case "mediaflow.yaml" is looked
// up in the working directory and /etc/mediaflow.
func NewViper(path string) *viper.Viper {
	v := viper.New()

	v.SetDefault("worker.log_level", DefaultLogLevel)
	v.SetDefault("worker.rtc_min_port", DefaultRTCMinPort)
	v.SetDefault("worker.rtc_max_port", DefaultRTCMaxPort)
	v.SetDefault("channel.request_timeout", DefaultRequestTimeout)
	v.SetDefault("channel.request_timeout_per_pending", DefaultRequestTimeoutPerPending)
	v.SetDefault("channel.max_message_size", DefaultMaxMessageSize)
	v.SetDefault("observer.format", FormatJSON)
	v.SetDefault("observer.queue_size", DefaultObserverQueueSize)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mediaflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mediaflow")
	}
	return v
}

// Load reads the configuration file at path (if any) and the environment.
// A missing file is not an error; the result is validated.
func Load(path string) (Config, error) {
	v := NewViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already populated viper instance.
func LoadFromViper(v *viper.Viper) (Config, error) {
	if v == nil {
		return Config{}, errors.New("config: viper instance is nil")
	}
	cfg := Config{
		WorkerBin:           v.GetString("worker.bin"),
		WorkerVersion:       v.GetString("worker.version"),
		LogLevel:            v.GetString("worker.log_level"),
		LogTags:             v.GetStringSlice("worker.log_tags"),
		RTCMinPort:          v.GetInt("worker.rtc_min_port"),
		RTCMaxPort:          v.GetInt("worker.rtc_max_port"),
		DTLSCertificateFile: v.GetString("worker.dtls_certificate_file"),
		DTLSPrivateKeyFile:  v.GetString("worker.dtls_private_key_file"),

		RequestTimeout:           v.GetDuration("channel.request_timeout"),
		RequestTimeoutPerPending: v.GetDuration("channel.request_timeout_per_pending"),
		MaxMessageSize:           v.GetInt("channel.max_message_size"),

		MetricsEnabled:          v.GetBool("metrics.enabled"),
		MetricsPort:             v.GetInt("metrics.port"),
		DebugCORSAllowedOrigins: v.GetStringSlice("metrics.cors_allowed_origins"),

		ObserverSink:      v.GetString("observer.sink"),
		ObserverTopic:     v.GetString("observer.topic"),
		ObserverFormat:    v.GetString("observer.format"),
		ObserverQueueSize: v.GetInt("observer.queue_size"),

		KafkaBrokers:       v.GetStringSlice("kafka.brokers"),
		RabbitMQURL:        v.GetString("rabbitmq.url"),
		NATSURL:            v.GetString("nats.url"),
		JetStreamStream:    v.GetString("nats.stream"),
		HTTPPublisherURL:   v.GetString("http.publisher_url"),
		IOFile:             v.GetString("io.file"),
		AWSRegion:          v.GetString("aws.region"),
		AWSAccountID:       v.GetString("aws.account_id"),
		AWSAccessKeyID:     v.GetString("aws.access_key_id"),
		AWSSecretAccessKey: v.GetString("aws.secret_access_key"),
		AWSEndpoint:        v.GetString("aws.endpoint"),
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, errspkg.NewConfigValidationError(err)
	}
	return cfg, nil
}

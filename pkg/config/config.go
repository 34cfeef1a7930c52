// Package config loads worker configuration from the environment.
//
// Every worker of the pipeline is parameterized the same way: identity
// (controller id), broker host, upstream/downstream worker counts and the
// stage-specific knobs (years, hours, amounts). Values come from
// environment variables; unset keys fall back to defaults and the result
// is validated before use.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config carries the full worker environment. A given worker role only
// reads the fields that apply to it; the rest keep their defaults.
type Config struct {
	// LoggingLevel is the minimum log level (DEBUG, INFO, WARN, ERROR).
	LoggingLevel string `mapstructure:"logging_level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// LoggingFormat selects the log encoder (text or json).
	LoggingFormat string `mapstructure:"logging_format" validate:"oneof=text json"`

	// ControllerID identifies this worker instance among its replicas. It
	// selects the instance's consumer queue and stamps emitted frames.
	ControllerID int `mapstructure:"controller_id" validate:"min=0"`

	// RabbitMQHost is the broker hostname.
	RabbitMQHost string `mapstructure:"rabbitmq_host" validate:"required"`

	// MetricsAddress exposes prometheus metrics when non-empty.
	MetricsAddress string `mapstructure:"metrics_address"`

	// PrevControllersAmount is the number of upstream workers feeding this
	// worker's queue, hence the EOFs completing a session barrier.
	PrevControllersAmount int `mapstructure:"prev_controllers_amount" validate:"min=0"`

	// NextControllersAmount is the number of downstream workers, hence the
	// producer endpoints to open.
	NextControllersAmount int `mapstructure:"next_controllers_amount" validate:"min=0"`

	// BaseDataPrevControllersAmount and StreamDataPrevControllersAmount
	// are the joiner's per-input upstream counts.
	BaseDataPrevControllersAmount   int `mapstructure:"base_data_prev_controllers_amount" validate:"min=0"`
	StreamDataPrevControllersAmount int `mapstructure:"stream_data_prev_controllers_amount" validate:"min=0"`

	// BaseDataRoutingKeysAmount is the number of routing keys the base
	// table's cleaner publishes on (one per cleaner producer endpoint).
	BaseDataRoutingKeysAmount int `mapstructure:"base_data_routing_keys_amount" validate:"min=0"`

	// YearsToKeep lists the created_at years the year filters retain.
	YearsToKeep []int `mapstructure:"years_to_keep" validate:"omitempty,dive,min=1970"`

	// MinHour and MaxHour bound the hour filter: min <= hour < max.
	MinHour int `mapstructure:"min_hour" validate:"min=0,max=24"`
	MaxHour int `mapstructure:"max_hour" validate:"min=0,max=24,gtefield=MinHour"`

	// MinFinalAmount is the amount filter's threshold.
	MinFinalAmount float64 `mapstructure:"min_final_amount" validate:"min=0"`

	// BatchMaxSize caps the records per batch on stateful-stage flushes.
	BatchMaxSize int `mapstructure:"batch_max_size" validate:"min=1"`

	// AmountPerGroup is the sorter's top-K per group value.
	AmountPerGroup int `mapstructure:"amount_per_group" validate:"min=1"`

	// Ingress-only settings.
	Ingress Ingress `mapstructure:",squash"`
}

// Ingress configures the session router.
type Ingress struct {
	// ListenAddress is the TCP address clients connect to.
	ListenAddress string `mapstructure:"listen_address" validate:"required"`

	// Cleaner worker counts per record kind: how many dirty queues exist
	// for the ingress to round-robin over.
	MenuItemsCleanersAmount        int `mapstructure:"menu_items_cleaners_amount" validate:"min=1"`
	StoresCleanersAmount           int `mapstructure:"stores_cleaners_amount" validate:"min=1"`
	TransactionItemsCleanersAmount int `mapstructure:"transaction_items_cleaners_amount" validate:"min=1"`
	TransactionsCleanersAmount     int `mapstructure:"transactions_cleaners_amount" validate:"min=1"`
	UsersCleanersAmount            int `mapstructure:"users_cleaners_amount" validate:"min=1"`

	// OutputBuildersAmount is the worker count per query, hence the EOFs
	// expected per result kind on the session's result queue.
	OutputBuildersAmount int `mapstructure:"output_builders_amount" validate:"min=1"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging_level", "INFO")
	v.SetDefault("logging_format", "text")
	v.SetDefault("controller_id", 0)
	v.SetDefault("rabbitmq_host", "rabbitmq")
	v.SetDefault("metrics_address", "")

	v.SetDefault("prev_controllers_amount", 1)
	v.SetDefault("next_controllers_amount", 1)
	v.SetDefault("base_data_prev_controllers_amount", 1)
	v.SetDefault("stream_data_prev_controllers_amount", 1)
	v.SetDefault("base_data_routing_keys_amount", 1)

	v.SetDefault("years_to_keep", "2024,2025")
	v.SetDefault("min_hour", 6)
	v.SetDefault("max_hour", 23)
	v.SetDefault("min_final_amount", 75)
	v.SetDefault("batch_max_size", 100)
	v.SetDefault("amount_per_group", 1)

	v.SetDefault("listen_address", ":9090")
	v.SetDefault("menu_items_cleaners_amount", 1)
	v.SetDefault("stores_cleaners_amount", 1)
	v.SetDefault("transaction_items_cleaners_amount", 1)
	v.SetDefault("transactions_cleaners_amount", 1)
	v.SetDefault("users_cleaners_amount", 1)
	v.SetDefault("output_builders_amount", 1)
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	var cfg Config
	decode := viper.DecodeHook(intListHook())
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// intListHook decodes a comma-separated string ("2024,2025") into []int,
// the spelling environment variables use for year lists.
func intListHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]int{}) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []int{}, nil
		}
		parts := strings.Split(raw, ",")
		years := make([]int, 0, len(parts))
		for _, part := range parts {
			year, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("year list entry %q: %w", part, err)
			}
			years = append(years, year)
		}
		return years, nil
	}
}

func validate(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
}

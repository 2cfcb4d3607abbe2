package config

import (
	validation "github.com/jellydator/validation"
)

// Validate rejects settings the server or worker cannot start with. Load never fails, so
// entrypoints call this before building the container.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ServerPort, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.DBDriver, validation.Required, validation.In("postgres", "pgx", "mysql")),
		validation.Field(&c.DBConnectionString, validation.Required),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.MetricsPort, validation.When(c.MetricsEnabled,
			validation.Required,
			validation.Min(1),
			validation.Max(65535),
			validation.NotIn(c.ServerPort).Error("must differ from the server port"),
		)),
		validation.Field(&c.QueueDriver, validation.Required, validation.In(DriverRedis, DriverMemory)),
		validation.Field(&c.QueueConcurrency, validation.Required, validation.Min(1)),
		validation.Field(&c.QueueMaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.DLQDriver, validation.When(c.DLQEnabled, validation.In(DriverRedis, DriverMemory))),
		validation.Field(&c.CBFailureThreshold, validation.Required, validation.Min(1)),
		validation.Field(&c.CBSuccessThreshold, validation.Required, validation.Min(1)),
		validation.Field(&c.EventTransport,
			validation.Required,
			validation.In(EventTransportKafka, EventTransportGoCloud, EventTransportNone),
		),
		validation.Field(&c.EventDelivery, validation.Required, validation.In(EventDeliveryOutbox, EventDeliveryDirect)),
		validation.Field(&c.KafkaBrokers, validation.When(c.EventTransport == EventTransportKafka, validation.Required)),
		validation.Field(&c.OutboxInterval, validation.When(c.EventDelivery == EventDeliveryOutbox, validation.Required)),
		validation.Field(&c.OutboxBatchSize, validation.When(c.EventDelivery == EventDeliveryOutbox, validation.Required)),
		validation.Field(&c.AntifraudVelocityLimit, validation.Min(1)),
	)
}

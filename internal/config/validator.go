package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the configuration for values the host cannot run with.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateNetwork(&cfg.Network, result)
	validateReplication(&cfg.Replication, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	validatePort(n.Port, "network.port", result)

	if n.MaxConnections < 1 {
		result.AddError("network.max_connections", "must allow at least 1 connection")
	}
	if n.ResendIntervalMs < 1 {
		result.AddError("network.resend_interval_ms", "resend interval must be positive")
	}
	if n.IntakeQueueSize < 1 {
		result.AddError("network.intake_queue_size", "intake queue must hold at least 1 datagram")
	}
	if n.LosingConnectionTimeoutMs <= n.ResendIntervalMs {
		result.AddError("network.losing_connection_timeout_ms",
			"must be longer than the resend interval")
	}
	if n.ConnectionTimeoutMs <= n.ResendIntervalMs {
		result.AddError("network.connection_timeout_ms",
			"must be longer than the resend interval")
	}
	if n.KeepAliveIntervalMs >= n.LosingConnectionTimeoutMs {
		result.AddWarning("network.keep_alive_interval_ms",
			"keep-alive interval is not shorter than the silence timeout, idle peers will time out")
	}
	if n.ConnectTimeoutMs < n.ResendIntervalMs {
		result.AddWarning("network.connect_timeout_ms",
			"connect timeout is shorter than one resend interval")
	}
}

func validateReplication(r *ReplicationConfig, result *ValidationResult) {
	if r.TickRateHz < 1 {
		result.AddError("replication.tick_rate_hz", "tick rate must be at least 1 Hz")
	}
	if r.TickRateHz > 128 {
		result.AddWarning("replication.tick_rate_hz",
			fmt.Sprintf("high tick rate (%d Hz) may saturate the network", r.TickRateHz))
	}
	if r.InterpolationMs < 0 || r.ExtrapolationMs < 0 || r.HistoryMs < 0 {
		result.AddError("replication", "time windows cannot be negative")
	}
	if r.TickRateHz > 0 && r.InterpolationMs < 1000/r.TickRateHz {
		result.AddWarning("replication.interpolation_ms",
			"interpolation window shorter than one tick, replicas will extrapolate constantly")
	}
	if r.MaxEntities < 1 || r.MaxEntities > 65535 {
		result.AddError("replication.max_entities", "must be between 1 and 65535")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		if data.API.ControlRateLimitRPS < 1 {
			result.AddWarning("application_data.api.control_rate_limit_rps",
				"control endpoints are not rate limited")
		} else if data.API.RateLimitRPS > 0 && data.API.ControlRateLimitRPS > data.API.RateLimitRPS {
			result.AddWarning("application_data.api.control_rate_limit_rps",
				"control limit is above the read limit")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
		if data.MQTT.StatsIntervalSec < 1 {
			result.AddError("application_data.mqtt.stats_interval_sec", "stats interval must be at least 1 second")
		}
	}

	if data.Metrics.Enabled && strings.TrimSpace(data.Metrics.Namespace) == "" {
		result.AddWarning("application_data.metrics.namespace", "metrics will be exported without a namespace")
	}

	if data.Journal.Enabled {
		if strings.TrimSpace(data.Journal.Path) == "" {
			result.AddError("application_data.journal.path", "journal path is required when enabled")
		}
		if data.Journal.RetentionDays < 1 {
			result.AddError("application_data.journal.retention_days", "retention days must be at least 1")
		}
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// Package config provides configuration defaults for the obshub daemon
// and its storage modules.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via the hub YAML file.
package config

import "time"

// =============================================================================
// Ingestion Defaults
// =============================================================================

const (
	// DefaultMinCommitPeriodMs is the minimum time between two storage
	// commits triggered by incoming events. Writes between two commits are
	// only durable once the next commit happens.
	// Override via config: min_commit_period
	DefaultMinCommitPeriodMs = 10000

	// DefaultSubscribeTimeout bounds the wait for an event subscription
	// to be acknowledged while connecting a producer.
	// Override via config: subscribe_timeout
	DefaultSubscribeTimeout = 5 * time.Second

	// DefaultProcessEvents is the master switch for the write path.
	// Override via config: process_events
	DefaultProcessEvents = true
)

// =============================================================================
// Retention Defaults
// =============================================================================

const (
	// DefaultPurgePeriodSec is how often the retention policy runs when
	// auto purge is enabled.
	// Override via config: auto_purge.purge_period
	DefaultPurgePeriodSec = 3600

	// DefaultMaxRecordAgeSec is the record age beyond which the max-age
	// policy deletes records. Seven days.
	// Override via config: auto_purge.max_record_age
	DefaultMaxRecordAgeSec = 7 * 24 * 3600

	// DefaultPurgePolicy is the policy used when none is named.
	// Override via config: auto_purge.policy
	DefaultPurgePolicy = "max-age"
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultStorageKind is the backend used when none is configured.
	// Override via config: storage.kind
	DefaultStorageKind = "memory"

	// DefaultMaxRecordSize limits a single encoded record to prevent OOM
	// when reading record streams.
	DefaultMaxRecordSize = 4 * 1024 * 1024

	// DefaultBackupRowGroupSize is the number of rows per Parquet row group
	// written by backups.
	DefaultBackupRowGroupSize = 10000
)

// =============================================================================
// SNMP Defaults
// =============================================================================

const (
	// DefaultSNMPTimeoutMs is the timeout for a single SNMP request.
	// Override via config: producers[].snmp.timeout_ms
	DefaultSNMPTimeoutMs = 5000

	// DefaultSNMPRetries is the number of retry attempts after timeout.
	// Override via config: producers[].snmp.retries
	DefaultSNMPRetries = 2

	// DefaultSNMPIntervalMs is the default polling interval.
	// Override via config: producers[].snmp.interval_ms
	DefaultSNMPIntervalMs = 60000

	// DefaultSNMPPort is the standard SNMP agent port.
	DefaultSNMPPort = 161
)

// =============================================================================
// Bus Defaults
// =============================================================================

const (
	// DefaultNATSSubjectPrefix prefixes every subject used by the NATS bus.
	// Override via config: bus.subject_prefix
	DefaultNATSSubjectPrefix = "obshub"

	// DefaultNATSReconnectWait is the pause between reconnect attempts.
	DefaultNATSReconnectWait = 2 * time.Second

	// DefaultNATSMaxReconnects bounds reconnect attempts; -1 retries forever.
	DefaultNATSMaxReconnects = -1
)

// =============================================================================
// Startup Defaults
// =============================================================================

const (
	// DefaultStorageStartAttempts is how often the hub tries to start a
	// stream storage whose start failed with a retriable error.
	DefaultStorageStartAttempts = 3

	// DefaultStorageStartRetryDelay is the pause between two attempts.
	DefaultStorageStartRetryDelay = 500 * time.Millisecond
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeoutSec is how long to wait for modules to stop.
	// This follows the Kubernetes convention (terminationGracePeriodSeconds = 30s).
	// Override via config: drain_timeout_sec
	DefaultDrainTimeoutSec = 30

	// DefaultMetricsListen is the address of the Prometheus endpoint.
	// An empty value disables it.
	// Override via config: metrics_listen
	DefaultMetricsListen = "127.0.0.1:9464"
)

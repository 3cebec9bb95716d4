package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = time.Minute

// Event delivery
const (
	SubscriberBufferSize  = 256
	FeedPollInterval      = 5 * time.Second
	SSEHeartbeatInterval  = 30 * time.Second
	BrokerSubscribeWait   = 5 * time.Second
	MaxChatMessageLength  = 4096
	MaxDescriptionBytes   = 64 * 1024
	MaxCandidateBytes     = 4 * 1024
	MaxParticipantIDBytes = 128
)

// Open session streams mark their participant connected this often.
const SessionKeepAliveInterval = 20 * time.Second

// Store retry backoff
const (
	StoreRetryInitialInterval = 50 * time.Millisecond
	StoreRetryMaxInterval     = time.Second
)

// A direct match that loses its claim to a create already in flight waits this
// long for that session to appear.
const (
	DirectMatchSettleInterval = 20 * time.Millisecond
	DirectMatchSettleTimeout  = time.Second
)

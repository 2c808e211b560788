package api

import "time"

// ConnectionQuota is the connection slot usage of a user.
type ConnectionQuota struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// UserQuotaResponse is the response from GET /api/ws/auth/quota.
type UserQuotaResponse struct {
	UserID        string          `json:"user_id"`
	Tier          string          `json:"tier"`
	Connections   ConnectionQuota `json:"connections"`
	Subscriptions map[string]any  `json:"subscriptions"`
	RateLimit     map[string]any  `json:"rate_limit"`
	Messages      map[string]any  `json:"messages"`
}

// ConnectionInfo describes one live socket of a user.
type ConnectionInfo struct {
	ConnectionID     string    `json:"connection_id"`
	ConnectedAt      time.Time `json:"connected_at"`
	Subscriptions    []string  `json:"subscriptions"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
}

// UserConnectionsResponse is the response from GET /api/ws/auth/connections.
type UserConnectionsResponse struct {
	UserID           string           `json:"user_id"`
	TotalConnections int              `json:"total_connections"`
	Connections      []ConnectionInfo `json:"connections"`
	MaxConnections   int              `json:"max_connections"`
}

// PreCheckRequest is the body of POST /api/ws/auth/subscription/pre-check.
type PreCheckRequest struct {
	Symbol  string `json:"symbol"`
	Channel string `json:"channel"`
}

// PreCheckResponse reports whether a subscription would be admitted.
type PreCheckResponse struct {
	Allowed              bool   `json:"allowed"`
	Symbol               string `json:"symbol"`
	CurrentSubscriptions int    `json:"current_subscriptions"`
	Message              string `json:"message"`
}

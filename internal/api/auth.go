package api

import (
	"context"
	"fmt"
	"net/url"
)

const wsAuthPath = "/api/ws/auth"

// DefaultChannel is the pre-check channel used when none is given.
const DefaultChannel = "price"

// GetUserQuota fetches the quota information for a user.
func (c *Client) GetUserQuota(ctx context.Context, userID string) (*UserQuotaResponse, error) {
	query := url.Values{}
	query.Set("user_id", userID)

	var resp UserQuotaResponse
	if err := c.get(ctx, wsAuthPath+"/quota", query, &resp); err != nil {
		return nil, fmt.Errorf("get user quota: %w", err)
	}

	return &resp, nil
}

// GetUserConnections fetches the active sockets of a user.
func (c *Client) GetUserConnections(ctx context.Context, userID string) (*UserConnectionsResponse, error) {
	query := url.Values{}
	query.Set("user_id", userID)

	var resp UserConnectionsResponse
	if err := c.get(ctx, wsAuthPath+"/connections", query, &resp); err != nil {
		return nil, fmt.Errorf("get user connections: %w", err)
	}

	return &resp, nil
}

// PreCheckSubscription asks whether subscribing to symbol on channel would be
// allowed by the caller's quota. An empty channel means DefaultChannel.
func (c *Client) PreCheckSubscription(ctx context.Context, symbol, channel string) (*PreCheckResponse, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	var resp PreCheckResponse
	req := PreCheckRequest{Symbol: symbol, Channel: channel}
	if err := c.post(ctx, wsAuthPath+"/subscription/pre-check", req, &resp); err != nil {
		return nil, fmt.Errorf("pre-check %s: %w", symbol, err)
	}

	return &resp, nil
}

package taskmanager

import (
	"encoding/json"
	"fmt"
	"time"
)

// HeartbeatRequest is published on the heartbeat-request channel.
type HeartbeatRequest struct {
	CorrelationID string    `json:"correlation_id"`
	SentAt        time.Time `json:"sent_at"`
}

// HeartbeatResponse echoes the request's correlation id.
type HeartbeatResponse struct {
	CorrelationID string    `json:"correlation_id"`
	ManagerID     string    `json:"manager_id"`
	RepliedAt     time.Time `json:"replied_at"`
}

func decodeRequest(body []byte) (HeartbeatRequest, error) {
	var req HeartbeatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return HeartbeatRequest{}, fmt.Errorf("decode heartbeat request: %w", err)
	}
	if req.CorrelationID == "" {
		return HeartbeatRequest{}, fmt.Errorf("decode heartbeat request: missing correlation id")
	}
	return req, nil
}

func decodeResponse(body []byte) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return HeartbeatResponse{}, fmt.Errorf("decode heartbeat response: %w", err)
	}
	return resp, nil
}

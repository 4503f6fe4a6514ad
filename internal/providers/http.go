package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"

	"roomsync/internal/models"
)

// HTTPClient is the REST implementation of all three collaborator
// interfaces against the product API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient constructs the client. httpClient may be nil to use the
// default client.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{baseURL: baseURL, token: token, client: httpClient}
}

var _ RoomProvider = (*HTTPClient)(nil)
var _ BlockedUsersProvider = (*HTTPClient)(nil)
var _ ReportClient = (*HTTPClient)(nil)

// GetRoom fetches the sync-relevant room subset.
func (c *HTTPClient) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	var room models.Room
	err := c.do(ctx, http.MethodGet, "/rooms/"+roomID, nil, &room)
	return room, err
}

// GetParticipants fetches the live participant list.
func (c *HTTPClient) GetParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	var resp struct {
		Participants []models.Participant `json:"participants"`
	}
	if err := c.do(ctx, http.MethodGet, "/rooms/"+roomID+"/participants", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Participants, nil
}

// CloseRoom closes a room the local user owns.
func (c *HTTPClient) CloseRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+roomID+"/close", nil, nil)
}

// GetBlockedUsers fetches the blocked-user ids for the local user.
func (c *HTTPClient) GetBlockedUsers(ctx context.Context) ([]string, error) {
	var resp struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := c.do(ctx, http.MethodGet, "/blocked-users", nil, &resp); err != nil {
		return nil, err
	}
	return resp.UserIDs, nil
}

// BlockUser blocks a user. An already-blocked conflict surfaces as
// ErrConflict for the caller to normalize.
func (c *HTTPClient) BlockUser(ctx context.Context, userID string) error {
	body := map[string]string{"user_id": userID}
	return c.do(ctx, http.MethodPost, "/blocked-users", body, nil)
}

// SubmitMessageReport reports a single message.
func (c *HTTPClient) SubmitMessageReport(ctx context.Context, roomID, messageID, reason string) error {
	body := map[string]string{"room_id": roomID, "message_id": messageID, "reason": reason}
	return c.do(ctx, http.MethodPost, "/reports/messages", body, nil)
}

// SubmitRoomReport reports a room.
func (c *HTTPClient) SubmitRoomReport(ctx context.Context, roomID, reason string) error {
	body := map[string]string{"room_id": roomID, "reason": reason}
	return c.do(ctx, http.MethodPost, "/reports/rooms", body, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	ctx, span := otel.Tracer("roomsync/providers").Start(ctx, method+" "+path)
	defer span.End()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode %s response: %w", path, err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrAccessDenied
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
}

package pantmig

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Rosenorn-Solutions/pantmig-go/pkg/notify"
)

// RecentNotifications fetches a bounded snapshot of the newest notifications.
// The channel client calls this on every (re)connect to repair the local
// store; it satisfies notify.SnapshotFetcher.
func (c *Client) RecentNotifications(ctx context.Context, take int) ([]notify.Notification, error) {
	path := fmt.Sprintf("/notifications/recent?take=%d", take)

	resp, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var records []notify.Notification
	if err := decodeJSON(resp, &records, http.StatusOK); err != nil {
		return nil, err
	}
	return records, nil
}

// MarkNotificationsRead reports locally-read notifications to the server; it
// satisfies notify.ReadMarker. Callers treat failures as ignorable.
func (c *Client) MarkNotificationsRead(ctx context.Context, ids []int64) error {
	resp, err := c.doJSON(ctx, http.MethodPost, "/notifications/mark-read", MarkReadRequest{IDs: ids})
	if err != nil {
		return err
	}
	return checkStatusOK(resp)
}

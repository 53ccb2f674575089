package clients

import (
	"context"
	"fmt"

	ws "tuitionpay/internal/transport/websocket"

	"github.com/shopspring/decimal"
)

// WebSocketClient publishes payment and export events to the realtime hub.
// All methods are nil-safe no-ops so services can run without a hub wired.
type WebSocketClient struct {
	hub *ws.Hub
}

func NewWebSocketClient(hub *ws.Hub) *WebSocketClient {
	return &WebSocketClient{
		hub: hub,
	}
}

func (c *WebSocketClient) PaymentVerified(ctx context.Context, studentID int64, installmentID string, amount decimal.Decimal) error {
	return c.publish(studentID, "payment_verified", map[string]interface{}{
		"installment_id": installmentID,
		"amount":         amount.StringFixed(2),
	})
}

func (c *WebSocketClient) PaymentRejected(ctx context.Context, studentID int64, installmentID, reason string) error {
	return c.publish(studentID, "payment_rejected", map[string]interface{}{
		"installment_id": installmentID,
		"reason":         reason,
	})
}

func (c *WebSocketClient) ChargeConfirmed(ctx context.Context, studentID int64, installmentID string, amount decimal.Decimal) error {
	return c.publish(studentID, "charge_confirmed", map[string]interface{}{
		"installment_id": installmentID,
		"amount":         amount.StringFixed(2),
	})
}

func (c *WebSocketClient) ChargeFailed(ctx context.Context, studentID int64, installmentID, reason string) error {
	return c.publish(studentID, "charge_failed", map[string]interface{}{
		"installment_id": installmentID,
		"reason":         reason,
	})
}

func (c *WebSocketClient) publish(userID int64, event string, data map[string]interface{}) error {
	if c.hub == nil {
		return nil
	}

	message := &ws.Message{
		Type:    event,
		Channel: fmt.Sprintf("payments_user#%d", userID),
		Data:    data,
	}

	c.hub.Broadcast(userID, message)
	return nil
}

func (c *WebSocketClient) NotifyExportProgress(
	ctx context.Context,
	userID int64,
	exportID string,
	progress float64,
	stage string,
) error {
	if c.hub == nil {
		return nil
	}

	data := map[string]interface{}{
		"id":       exportID,
		"progress": progress,
	}
	if stage != "" {
		data["stage"] = stage
	}

	message := &ws.Message{
		Type:    "export_progress",
		Channel: fmt.Sprintf("notify_user_of_progress_export#%d", userID),
		Data:    data,
	}

	c.hub.Broadcast(userID, message)
	return nil
}

func (c *WebSocketClient) NotifyExportComplete(ctx context.Context, userID int64, exportID string, url string, filename string) error {
	if c.hub == nil {
		return nil
	}

	message := &ws.Message{
		Type:    "export_complete",
		Channel: fmt.Sprintf("notify_user_when_export_complete#%d", userID),
		Data: map[string]interface{}{
			"id":       exportID,
			"url":      url,
			"filename": filename,
			"user_id":  userID,
		},
	}

	c.hub.Broadcast(userID, message)
	return nil
}

// NotifyExportFailed notifies a user that an export failed with the provided error message.
func (c *WebSocketClient) NotifyExportFailed(ctx context.Context, userID int64, exportID string, errMsg string) error {
	if c.hub == nil {
		return nil
	}

	message := &ws.Message{
		Type:    "export_failed",
		Channel: fmt.Sprintf("notify_user_when_export_failed#%d", userID),
		Data: map[string]interface{}{
			"id":      exportID,
			"message": errMsg,
			"user_id": userID,
		},
	}

	c.hub.Broadcast(userID, message)
	return nil
}

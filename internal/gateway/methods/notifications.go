package methods

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nextlevelbuilder/messagesforcar/internal/gateway"
	"github.com/nextlevelbuilder/messagesforcar/internal/notify"
	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

// NotificationService is the bridge surface used by RPC.
type NotificationService interface {
	HandleAction(ctx context.Context, cmd notify.ActionCommand) error
	Recent(limit int) []notify.Notification
}

// NotificationMethods handles notification.action and notifications.recent.
type NotificationMethods struct {
	bridge NotificationService
}

func NewNotificationMethods(bridge NotificationService) *NotificationMethods {
	return &NotificationMethods{bridge: bridge}
}

func (m *NotificationMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodNotificationAction, m.handleAction)
	router.Register(protocol.MethodNotificationsRecent, m.handleRecent)
}

func (m *NotificationMethods) handleAction(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.NotificationActionParams
	if req.Params == nil || json.Unmarshal(req.Params, &params) != nil || params.Key <= 0 {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "key is required"))
		return
	}

	err := m.bridge.HandleAction(ctx, notify.ActionCommand{
		Kind:    notify.KindForKey(params.Key),
		Key:     params.Key,
		Payload: params.Text,
	})
	switch {
	case errors.Is(err, notify.ErrUnknownRoute):
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, err.Error()))
	case errors.Is(err, notify.ErrBadAction):
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
	case err != nil:
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, err.Error()))
	default:
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
			"kind": notify.KindForKey(params.Key),
		}))
	}
}

func (m *NotificationMethods) handleRecent(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.NotificationsRecentParams
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.Limit <= 0 || params.Limit > 100 {
		params.Limit = 20
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"notifications": m.bridge.Recent(params.Limit),
	}))
}

package methods

import (
	"context"

	"github.com/nextlevelbuilder/messagesforcar/internal/gateway"
	"github.com/nextlevelbuilder/messagesforcar/internal/msgsync"
	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

// SyncService is the sync manager surface used by RPC.
type SyncService interface {
	StartSync() error
	StopSync()
	TriggerImmediateSync() error
	SyncStatus() msgsync.Status
}

// SyncMethods handles sync.start, sync.stop, sync.now, sync.status.
type SyncMethods struct {
	service SyncService
	paired  func() bool
}

func NewSyncMethods(service SyncService, paired func() bool) *SyncMethods {
	return &SyncMethods{service: service, paired: paired}
}

func (m *SyncMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodSyncStart, m.handleStart)
	router.Register(protocol.MethodSyncStop, m.handleStop)
	router.Register(protocol.MethodSyncNow, m.handleNow)
	router.Register(protocol.MethodSyncStatus, m.handleStatus)
}

// requirePaired answers NOT_PAIRED and returns false when the device is not
// paired. The manager itself treats that case as a silent no-op.
func (m *SyncMethods) requirePaired(client *gateway.Client, req *protocol.RequestFrame) bool {
	if m.paired != nil && !m.paired() {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotPaired, "device is not paired"))
		return false
	}
	return true
}

func (m *SyncMethods) handleStart(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	if !m.requirePaired(client, req) {
		return
	}
	if err := m.service.StartSync(); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, m.service.SyncStatus()))
}

func (m *SyncMethods) handleStop(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	m.service.StopSync()
	client.SendResponse(protocol.NewOKResponse(req.ID, m.service.SyncStatus()))
}

func (m *SyncMethods) handleNow(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	if !m.requirePaired(client, req) {
		return
	}
	if err := m.service.TriggerImmediateSync(); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{"queued": true}))
}

func (m *SyncMethods) handleStatus(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, m.service.SyncStatus()))
}

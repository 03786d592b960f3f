package services

import (
	"colatex/pkg/logger"
	"sync"
)

// SyncConnection 同步中继对下游连接的抽象
// websocket处理器实现该接口；Send失败视为连接已不可用
type SyncConnection interface {
	UserID() uint
	Send(data []byte) error
}

// syncRoom 单个会话的连接集合
type syncRoom struct {
	mu    sync.Mutex
	conns map[SyncConnection]struct{}
}

// SyncHub 实时同步中继
// 按会话组织房间，增量广播给除来源外的所有连接；
// 中继只做转发，不理解CRDT内容，收敛由会话层合并保证
type SyncHub struct {
	sessions *SessionService

	mu    sync.RWMutex
	rooms map[uint]*syncRoom // sessionID -> 房间
}

// NewSyncHub 创建同步中继
func NewSyncHub(sessions *SessionService) *SyncHub {
	return &SyncHub{
		sessions: sessions,
		rooms:    make(map[uint]*syncRoom),
	}
}

// Join 将连接加入会话房间，返回当前完整状态快照
func (h *SyncHub) Join(sessionID uint, conn SyncConnection) ([]byte, error) {
	snapshot, err := h.sessions.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = &syncRoom{conns: make(map[SyncConnection]struct{})}
		h.rooms[sessionID] = room
	}
	h.mu.Unlock()

	room.mu.Lock()
	room.conns[conn] = struct{}{}
	room.mu.Unlock()

	return snapshot, nil
}

// Leave 将连接移出房间；房间空了就回收
func (h *SyncHub) Leave(sessionID uint, conn SyncConnection) {
	h.mu.Lock()
	room, ok := h.rooms[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}

	room.mu.Lock()
	delete(room.conns, conn)
	empty := len(room.conns) == 0
	room.mu.Unlock()

	if empty {
		h.mu.Lock()
		if r, ok := h.rooms[sessionID]; ok {
			r.mu.Lock()
			if len(r.conns) == 0 {
				delete(h.rooms, sessionID)
			}
			r.mu.Unlock()
		}
		h.mu.Unlock()
	}

	if err := h.sessions.Leave(sessionID, conn.UserID()); err != nil {
		logger.GetLogger().Warnf("移出会话参与者失败 session=%d user=%d: %v", sessionID, conn.UserID(), err)
	}
}

// Broadcast 合并增量并转发给房间内除来源外的所有连接
// 发送失败的连接就地剔除，慢速消费者不会阻塞其他对端
func (h *SyncHub) Broadcast(sessionID uint, from SyncConnection, delta []byte) error {
	if err := h.sessions.ApplyDelta(sessionID, from.UserID(), delta); err != nil {
		return err
	}

	h.mu.RLock()
	room, ok := h.rooms[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	room.mu.Lock()
	var dead []SyncConnection
	for conn := range room.conns {
		if conn == from {
			continue
		}
		if err := conn.Send(delta); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		delete(room.conns, conn)
	}
	room.mu.Unlock()

	for _, conn := range dead {
		logger.GetLogger().Debugf("剔除失效同步连接 session=%d user=%d", sessionID, conn.UserID())
	}
	return nil
}

// RoomSize 会话房间内的连接数
func (h *SyncHub) RoomSize(sessionID uint) int {
	h.mu.RLock()
	room, ok := h.rooms[sessionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.conns)
}

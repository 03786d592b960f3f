package crdt

import (
	"fmt"
	"sync"
)

// Engine CRDT引擎接口
// 核心逻辑不感知具体CRDT实现，状态与增量均为不透明字节
type Engine interface {
	// Type 引擎类型标识，持久化在会话的 crdt_type 字段
	Type() string
	// New 从初始文本内容构建状态
	New(initial []byte) ([]byte, error)
	// Merge 合并一个增量，要求满足交换律与结合律
	Merge(state, delta []byte) ([]byte, error)
	// Content 渲染状态为文本内容
	Content(state []byte) ([]byte, error)
}

// 引擎注册表
var (
	registryMu sync.RWMutex
	registry   = make(map[string]Engine)
)

// Register 注册CRDT引擎
func Register(engine Engine) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[engine.Type()] = engine
}

// Get 按类型获取引擎
func Get(engineType string) (Engine, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	engine, ok := registry[engineType]
	if !ok {
		return nil, fmt.Errorf("未注册的CRDT引擎类型: %s", engineType)
	}
	return engine, nil
}

// Default 获取默认引擎
func Default() Engine {
	engine, _ := Get(TypeOpSet)
	return engine
}

func init() {
	Register(NewOpSetEngine())
}

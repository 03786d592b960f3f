package services

import (
	"colatex/pkg/logger"
	"colatex/pkg/queue"
	"fmt"
	"sync"
	"time"
)

// AutosaveWorker 自动保存消费者
// Redis唤醒消息触发即时处理，轮询定时器兜底（Redis不可用时队列照常推进）
type AutosaveWorker struct {
	autosave     *AutosaveService
	queue        *queue.RedisQueue
	batchSize    int
	pollInterval time.Duration

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewAutosaveWorker 创建自动保存消费者
func NewAutosaveWorker(autosave *AutosaveService, redisQueue *queue.RedisQueue, batchSize int, pollInterval time.Duration) *AutosaveWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &AutosaveWorker{
		autosave:     autosave,
		queue:        redisQueue,
		batchSize:    batchSize,
		pollInterval: pollInterval,
	}
}

// Start 启动消费循环
func (w *AutosaveWorker) Start() error {
	if w.running {
		return fmt.Errorf("自动保存消费者已经在运行")
	}
	w.running = true
	w.stopChan = make(chan struct{})

	logger.GetLogger().Info("启动自动保存消费者")

	w.wg.Add(2)
	go w.wakeLoop()
	go w.pollLoop()
	return nil
}

// Stop 停止消费循环，等待在途批次完成
func (w *AutosaveWorker) Stop() {
	if !w.running {
		return
	}
	logger.GetLogger().Info("停止自动保存消费者")
	close(w.stopChan)
	w.wg.Wait()
	w.running = false
}

// wakeLoop 阻塞等待Redis唤醒消息
func (w *AutosaveWorker) wakeLoop() {
	defer w.wg.Done()

	if w.queue == nil {
		return
	}

	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		msg, err := w.queue.Dequeue(2 * time.Second)
		if err != nil {
			logger.GetLogger().Warnf("等待自动保存唤醒消息失败: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}
		w.drain()
	}
}

// pollLoop 定时兜底扫描
func (w *AutosaveWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.drain()
		}
	}
}

func (w *AutosaveWorker) drain() {
	processed, err := w.autosave.Drain(w.batchSize)
	if err != nil {
		logger.GetLogger().Errorf("处理自动保存队列失败: %v", err)
		return
	}
	if processed > 0 {
		logger.GetLogger().Debugf("本轮处理了 %d 条自动保存条目", processed)
	}
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisQueue Redis队列实现
// 自动保存条目以数据库为准，Redis队列只承担唤醒与事件广播
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// AutosaveMessage 队列中的自动保存唤醒消息
type AutosaveMessage struct {
	EntryID   string `json:"entry_id"`   // 队列条目ID
	FileID    uint   `json:"file_id"`    // 文件ID
	BranchID  uint   `json:"branch_id"`  // 分支ID
	ProjectID uint   `json:"project_id"` // 项目ID
	UserID    uint   `json:"user_id"`    // 发起人ID
	Priority  int    `json:"priority"`
	Created   int64  `json:"created"`
}

// CommitEvent 提交完成事件（发布到文件频道）
type CommitEvent struct {
	FileID     uint   `json:"file_id"`
	BranchID   uint   `json:"branch_id"`
	CommitHash string `json:"commit_hash"`
	Status     string `json:"status"` // completed / failed
	Message    string `json:"message,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Config Redis配置
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// NewRedisQueue 创建Redis队列实例
func NewRedisQueue(config *Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	prefix := config.Prefix
	if prefix == "" {
		prefix = "colatex:queue"
	}

	return &RedisQueue{
		client: client,
		prefix: prefix,
	}
}

// Close 关闭Redis连接
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping 测试Redis连接
func (q *RedisQueue) Ping() error {
	ctx := context.Background()
	return q.client.Ping(ctx).Err()
}

// Enqueue 推送自动保存唤醒消息
func (q *RedisQueue) Enqueue(msg *AutosaveMessage) error {
	ctx := context.Background()

	if msg.Created == 0 {
		msg.Created = time.Now().Unix()
	}

	// 序列化消息
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化唤醒消息失败: %v", err)
	}

	// 加入队列（左侧入队）
	if err := q.client.LPush(ctx, q.wakeKey(), data).Err(); err != nil {
		return fmt.Errorf("唤醒消息入队失败: %v", err)
	}

	return nil
}

// Dequeue 阻塞获取唤醒消息，超时返回nil
func (q *RedisQueue) Dequeue(timeout time.Duration) (*AutosaveMessage, error) {
	ctx := context.Background()

	result, err := q.client.BRPop(ctx, timeout, q.wakeKey()).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("唤醒消息出队失败: %v", err)
	}

	// BRPop返回 [key, value]
	if len(result) < 2 {
		return nil, nil
	}

	var msg AutosaveMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("解析唤醒消息失败: %v", err)
	}

	return &msg, nil
}

// QueueLength 获取唤醒队列长度
func (q *RedisQueue) QueueLength() (int64, error) {
	ctx := context.Background()
	length, err := q.client.LLen(ctx, q.wakeKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("获取队列长度失败: %v", err)
	}
	return length, nil
}

// PublishCommitEvent 发布提交事件到文件频道
func (q *RedisQueue) PublishCommitEvent(event *CommitEvent) error {
	ctx := context.Background()

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化提交事件失败: %v", err)
	}

	channel := q.commitChannel(event.FileID)
	if err := q.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("发布提交事件失败: %v", err)
	}

	return nil
}

// SubscribeCommitEvents 订阅指定文件的提交事件
func (q *RedisQueue) SubscribeCommitEvents(fileID uint) *redis.PubSub {
	ctx := context.Background()
	return q.client.Subscribe(ctx, q.commitChannel(fileID))
}

// GetClient 获取Redis客户端（用于高级操作）
func (q *RedisQueue) GetClient() *redis.Client {
	return q.client
}

// 辅助方法

// wakeKey 唤醒队列键名
func (q *RedisQueue) wakeKey() string {
	return fmt.Sprintf("%s:autosave:wake", q.prefix)
}

// commitChannel 提交事件频道名
func (q *RedisQueue) commitChannel(fileID uint) string {
	return fmt.Sprintf("%s:commit:%d", q.prefix, fileID)
}

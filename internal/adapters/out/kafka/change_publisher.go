package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

// DefaultTopic 状态变更topic
const DefaultTopic = "statussync.status.changes"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// ChangePublisherKafka 使用 segmentio/kafka-go 实现 ChangePublisher，按用户ID分区保证单用户有序
type ChangePublisherKafka struct {
	writer messageWriter
	topic  string
}

var _ out.ChangePublisher = (*ChangePublisherKafka)(nil)

// NewChangePublisherKafka 创建发布者；writer 不设置 Topic，由消息指定
func NewChangePublisherKafka(w *kafka.Writer, topic string) *ChangePublisherKafka {
	if topic == "" {
		topic = DefaultTopic
	}
	return &ChangePublisherKafka{writer: w, topic: topic}
}

// NewWriter 按用户ID哈希分区的同步 writer
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		// 发件箱需要知道是否写入成功
		Async: false,
	}
}

func (p *ChangePublisherKafka) PublishChange(ctx context.Context, ev entity.ChangeEvent) error {
	msg, err := encodeMessage(p.topic, ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func encodeMessage(topic string, ev entity.ChangeEvent) (kafka.Message, error) {
	// epoch 是订阅方本地概念，不上线
	ev.Epoch = 0
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode change event: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(ev.UserID),
		Value: value,
	}, nil
}

func decodeMessage(msg kafka.Message) (entity.ChangeEvent, error) {
	var ev entity.ChangeEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return ev, fmt.Errorf("decode change event at offset %d: %w", msg.Offset, err)
	}
	if ev.UserID == "" {
		ev.UserID = string(msg.Key)
	}
	return ev, nil
}

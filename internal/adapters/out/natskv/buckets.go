// Package natskv 基于 JetStream KV 的状态存储、变更流和在线频道
package natskv

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StatusBucket 每个用户一条状态记录
	StatusBucket = "STATUS"
	// ConnBucket 在线连接，key 为 "<userID>.<connID>"，依赖 TTL 过期
	ConnBucket = "STATUS_CONN"

	defaultConnTTL = 45 * time.Second
)

// CreateBuckets 创建（或绑定已有的）两个 KV bucket，重连后也要再调用一次
func CreateBuckets(ctx context.Context, js jetstream.JetStream, connTTL time.Duration) (status jetstream.KeyValue, conns jetstream.KeyValue, err error) {
	if connTTL <= 0 {
		connTTL = defaultConnTTL
	}
	if status, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  StatusBucket,
		History: 1,
		Storage: jetstream.FileStorage,
	}); err != nil {
		return nil, nil, err
	}
	if conns, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  ConnBucket,
		History: 1,
		TTL:     connTTL,
		Storage: jetstream.MemoryStorage,
	}); err != nil {
		return nil, nil, err
	}
	return status, conns, nil
}

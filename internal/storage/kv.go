package storage

import "context"

// KV 指标持久化使用的键值存储
type KV interface {
	// Get 读取键值，键不存在时 ok 为 false
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set 写入键值
	Set(ctx context.Context, key string, value []byte) error
}

// Namespace 为所有键加上命名空间前缀，多个实例共享同一后端时互不覆盖
func Namespace(kv KV, ns string) KV {
	if kv == nil || ns == "" {
		return kv
	}
	return &namespaced{kv: kv, prefix: ns + ":"}
}

type namespaced struct {
	kv     KV
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.kv.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key string, value []byte) error {
	return n.kv.Set(ctx, n.prefix+key, value)
}

// Package localstore はクライアントローカルなキー・バリュー保存領域を提供する。
// トークンやセッションなど、プロセス再起動をまたいで保持したい少量の値を扱う。
package localstore

import (
	"context"
	"sync"
)

// Store はキー・バリュー保存領域のインターフェース。
type Store interface {
	// Get は指定キーの値を返す。存在しない場合は空文字とnilを返す。
	Get(ctx context.Context, key string) (string, error)
	// Set は指定キーに値を保存する。
	Set(ctx context.Context, key, value string) error
	// Remove は指定キーを削除する。存在しないキーの削除はエラーにしない。
	Remove(ctx context.Context, key string) error
}

// MemoryStore はプロセス内メモリに保持するStore。テストや永続化不要な実行で使う。
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get は指定キーの値を返す。
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key], nil
}

// Set は指定キーに値を保存する。
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Remove は指定キーを削除する。
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)

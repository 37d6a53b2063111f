package identity

import (
	"sync"

	"github.com/google/uuid"
	"github.com/hitoshi/gigwrld/internal/model"
)

// defaultSubscriptionBuffer は購読チャネルのバッファサイズ。
const defaultSubscriptionBuffer = 16

// Subscription は状態遷移の購読。Cから通知を受け取り、不要になったらUnsubscribeする。
type Subscription struct {
	ID string
	C  <-chan model.AuthChange

	ch   chan model.AuthChange
	done chan struct{}
	once sync.Once
	b    *Broadcaster
}

// Unsubscribe は購読を解除する。複数回呼び出しても安全。
// 解除後にCはクローズされる。
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.b.remove(s)
	})
}

// Broadcaster は状態遷移を全購読者へ順番どおりに配信する。
// 購読者ごとに配信順序は保証される。
type Broadcaster struct {
	publishMu sync.Mutex
	mu        sync.RWMutex
	subs      map[string]*Subscription
	buffer    int
}

// NewBroadcaster はBroadcasterを生成する。bufferが0以下の場合はデフォルト値を使う。
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
	}
}

// Subscribe は新しい購読を登録する。
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan model.AuthChange, b.buffer)
	sub := &Subscription{
		ID:   uuid.NewString(),
		C:    ch,
		ch:   ch,
		done: make(chan struct{}),
		b:    b,
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	return sub
}

// Publish は全購読者に状態遷移を配信する。
// バッファが埋まっている購読者には受信されるか購読解除されるまで待つ。
func (b *Broadcaster) Publish(change model.AuthChange) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- change:
		case <-sub.done:
		}
	}
}

// Count は現在の購読者数を返す。
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// remove は購読を登録から外し、チャネルをクローズする。
// Publish中はRLockが保持されているため、送信と競合しない。
func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.ch)
}

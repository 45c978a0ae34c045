package dispatch

import (
	"context"
	"sync"
)

// Locker 按幂等键互斥。ctx 截止前拿不到锁返回 ok=false
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// KeyedLocker 进程内按键互斥，memory 存储模式下使用
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int // 持有者 + 等待者
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		unlock := func() {
			once.Do(func() {
				<-kl.ch
				l.release(key, kl)
			})
		}
		return unlock, true, nil
	case <-ctx.Done():
		l.release(key, kl)
		return nil, false, nil
	}
}

func (l *KeyedLocker) release(key string, kl *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *KeyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

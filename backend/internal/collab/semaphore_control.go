package collab

import (
	"context"
	"errors"
)

var (
	ErrSemaphoreTimeout  = errors.New("SEMAPHORE_ACQUIRE_TIMEOUT")
	ErrSemaphoreNotOwned = errors.New("SEMAPHORE_NOT_ACQUIRED")
)

// SemaphoreControl 限制同时在途的入站处理数量，
// 防止某个疯狂发包的对端占满引擎。
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(limit int) *SemaphoreControl {
	if limit <= 0 {
		limit = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, limit)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotOwned
	}
}

package collab

import (
	"context"
	"errors"
	"sync"

	"collabEngine/backend/internal/wire"
)

var ErrChannelClosed = errors.New("CHANNEL_CLOSED")

// Channel 是引擎眼里的传输通道。WebSocket、进程内管道都实现它，
// 引擎不区分。
type Channel interface {
	Send(ctx context.Context, msg wire.Message) error
	Recv(ctx context.Context) (wire.Message, error)
	Close() error
}

// Dialer 建立一条到对端的新通道，重连时会被反复调用。
type Dialer func(ctx context.Context) (Channel, error)

// pipeEnd 是进程内双向管道的一端（测试和单机多副本用）。
type pipeEnd struct {
	in   chan wire.Message
	out  chan wire.Message
	once sync.Once
	done chan struct{}
	peer *pipeEnd
}

// NewPipe 返回互为对端的两条通道。
func NewPipe(buffer int) (Channel, Channel) {
	if buffer <= 0 {
		buffer = 64
	}
	ab := make(chan wire.Message, buffer)
	ba := make(chan wire.Message, buffer)
	a := &pipeEnd{in: ba, out: ab, done: make(chan struct{})}
	b := &pipeEnd{in: ab, out: ba, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, msg wire.Message) error {
	select {
	case <-p.done:
		return ErrChannelClosed
	case <-p.peer.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- msg:
		return nil
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (wire.Message, error) {
	select {
	case <-p.done:
		return wire.Message{}, ErrChannelClosed
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	case msg, ok := <-p.in:
		if !ok {
			return wire.Message{}, ErrChannelClosed
		}
		return msg, nil
	case <-p.peer.done:
		// 对端关闭后先把缓冲里的消息读完
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return wire.Message{}, ErrChannelClosed
		}
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/wire"
)

// wsChannel 把一条 gorilla 连接适配成引擎的 Channel。
// gorilla 不允许并发写，Send 自己串行化。
type wsChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

func (c *wsChannel) Send(_ context.Context, msg wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *wsChannel) Recv(ctx context.Context) (wire.Message, error) {
	type result struct {
		msg wire.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var msg wire.Message
		err := c.conn.ReadJSON(&msg)
		ch <- result{msg, err}
	}()
	select {
	case <-ctx.Done():
		// 读 goroutine 靠关连接解除阻塞
		_ = c.Close()
		return wire.Message{}, ctx.Err()
	case r := <-ch:
		return r.msg, r.err
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}

// DialChannel 返回一个拨号器：连到 /collab/ws，令牌走 Bearer 头。
func DialChannel(url, token string) collab.Dialer {
	return func(ctx context.Context) (collab.Channel, error) {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return &wsChannel{conn: conn}, nil
	}
}

package offline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabEngine/backend/internal/op"
)

var bucketReplay = []byte("replay_queue")

// Queue 是断线期间本地操作的持久重放队列。
// key = 本地序号（大端编码），游标遍历天然 oldest-first；
// 对端确认（Ack）后删除。进程重启后队列仍在。
type Queue struct {
	db *bolt.DB
}

func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReplay)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

func key(id op.OpID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id.Seq)
	return k[:]
}

// Enqueue 按提交顺序落盘一条本地操作。
func (q *Queue) Enqueue(o *op.Operation) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplay).Put(key(o.ID), raw)
	})
}

// Ack 在收到对端确认后移除对应条目。
func (q *Queue) Ack(id op.OpID) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplay).Delete(key(id))
	})
}

func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketReplay).Stats().KeyN
		return nil
	})
	return n, err
}

// Drain 从最旧的开始逐条交给 send。条目不在这里删除——删除由 Ack 驱动，
// 重放因此可以安全重试（对端把重复投递当成功）。
// 一次 drain 不允许中途取消：要么跑完，要么停在第一个不可恢复错误上。
func (q *Queue) Drain(ctx context.Context, send func(*op.Operation) error) (int, error) {
	if err := ctx.Err(); err != nil {
		// 只在进入前检查一次；批内不再响应取消
		return 0, err
	}
	sent := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReplay).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var o op.Operation
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if err := send(&o); err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	return sent, err
}

// Pending 返回当前队列内容的快照（观测/测试用）。
func (q *Queue) Pending() ([]*op.Operation, error) {
	var out []*op.Operation
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplay).ForEach(func(_, v []byte) error {
			var o op.Operation
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			out = append(out, &o)
			return nil
		})
	})
	return out, err
}

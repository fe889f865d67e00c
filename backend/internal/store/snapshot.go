package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"

	"collabEngine/backend/internal/history"
	"collabEngine/backend/internal/op"
)

// SnapshotStore 把版本快照写进 MySQL，实现 history.SnapshotStore。
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveVersion(ctx context.Context, id history.VersionID, frontier op.Frontier, state []byte) error {
	fr, err := json.Marshal(frontier)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO doc_versions (version_id, frontier, state)
		VALUES (?, ?, ?)`,
		string(id),
		fr,
		state,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 同一个 version_id 重复写，幂等处理
			return nil
		}
		return err
	}
	return nil
}

func (s *SnapshotStore) LoadVersion(ctx context.Context, id history.VersionID) (op.Frontier, []byte, error) {
	var fr, state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT frontier, state FROM doc_versions WHERE version_id = ?`,
		string(id),
	).Scan(&fr, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, history.ErrVersionNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	frontier := op.NewFrontier()
	if err := json.Unmarshal(fr, &frontier); err != nil {
		return nil, nil, err
	}
	return frontier, state, nil
}

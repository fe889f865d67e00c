package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabEngine/backend/internal/op"
)

// ReplicaFrontier 持久化每个副本最近 gossip 的前沿，
// 重启后 GC 不必从零等待所有副本重新上报。
type ReplicaFrontier struct {
	ReplicaID uint64 `gorm:"primaryKey"`
	Frontier  []byte `gorm:"type:blob"`
	UpdatedAt time.Time
}

type ReplicaStore struct {
	db *gorm.DB
}

func NewReplicaStore(db *gorm.DB) *ReplicaStore {
	return &ReplicaStore{db: db}
}

func (r *ReplicaStore) SaveFrontier(ctx context.Context, replica op.ClientID, f op.Frontier) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	row := ReplicaFrontier{ReplicaID: uint64(replica), Frontier: raw}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "replica_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"frontier", "updated_at"}),
		}).
		Create(&row).Error
}

func (r *ReplicaStore) LoadFrontiers(ctx context.Context) (map[op.ClientID]op.Frontier, error) {
	var rows []ReplicaFrontier
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[op.ClientID]op.Frontier, len(rows))
	for _, row := range rows {
		f := op.NewFrontier()
		if err := json.Unmarshal(row.Frontier, &f); err != nil {
			return nil, err
		}
		out[op.ClientID(row.ReplicaID)] = f
	}
	return out, nil
}

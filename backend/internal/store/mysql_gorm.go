package store

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var mysqlDB *gorm.DB

// doc_versions 走 database/sql 裸 SQL（见 snapshot.go），建表也在这里做掉，
// 二进制起来就能用，不依赖外部迁移。
const createVersionsDDL = `
CREATE TABLE IF NOT EXISTS doc_versions (
	version_id VARCHAR(64) PRIMARY KEY,
	frontier   BLOB NOT NULL,
	state      LONGBLOB NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ReplicaFrontier{}); err != nil {
		return nil, err
	}
	if err := db.Exec(createVersionsDDL).Error; err != nil {
		return nil, err
	}
	mysqlDB = db
	return db, nil
}

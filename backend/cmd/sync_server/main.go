package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/httpapi/handlers"
	"collabEngine/backend/internal/httpapi/middleware"
	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/perm"
	"collabEngine/backend/internal/store"
	"collabEngine/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Engine struct {
		ReplayDir       string `mapstructure:"replayDir"`
		WaitBufferLimit int    `mapstructure:"waitBufferLimit"`
		GossipSeconds   int    `mapstructure:"gossipSeconds"`
		CheckpointMins  int    `mapstructure:"checkpointMinutes"`
		GCMins          int    `mapstructure:"gcMinutes"`
	} `mapstructure:"Engine"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "sync_server").Logger()

	cfg, err := initConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("init config failed")
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal().Err(err).Msg("connect redis failed")
	}
	defer rdb.Close()

	gdb, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect mysql (gorm) failed")
	}
	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect mysql failed")
	}
	defer db.Close()

	snapshots := store.NewSnapshotStore(db)
	replicas := store.NewReplicaStore(gdb)

	// === 可选的 Kafka 审计流 ===
	var relay *collab.KafkaRelay
	if cfg.Kafka.Enabled {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect kafka failed")
		}
		defer producer.Close()
		relay = collab.NewKafkaRelay(producer, cfg.Kafka.Topic,
			collab.NewSemaphoreControl(0), logger, collab.KafkaRelayOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
			})
	}

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache)

	maintCtx, stopMaint := context.WithCancel(context.Background())
	defer stopMaint()

	reg := collab.NewRegistry(func(docID string) (*collab.Engine, error) {
		opts := collab.Options{
			DocID:           docID,
			WaitBufferLimit: cfg.Engine.WaitBufferLimit,
			GossipInterval:  time.Duration(cfg.Engine.GossipSeconds) * time.Second,
			CheckpointEvery: time.Duration(cfg.Engine.CheckpointMins) * time.Minute,
			GCEvery:         time.Duration(cfg.Engine.GCMins) * time.Minute,
			Snapshots:       snapshots,
			Logger:          logger.With().Str("doc", docID).Logger(),
		}
		if cfg.Engine.ReplayDir != "" {
			opts.ReplayPath = filepath.Join(cfg.Engine.ReplayDir, docID+".db")
		}
		e, err := collab.New(opts)
		if err != nil {
			return nil, err
		}
		// 服务端副本自己拥有整个文档
		e.Permissions().Grant(collab.ServerClient, perm.TargetDocument, perm.LevelAdmin)
		// 重启后把持久化的副本前沿灌回去，GC 不用从零收集
		if saved, err := replicas.LoadFrontiers(context.Background()); err == nil {
			for c, f := range saved {
				e.History().ObserveFrontier(c, f)
			}
		}
		e.OnGossip(func(c op.ClientID, f op.Frontier) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := replicas.SaveFrontier(ctx, c, f); err != nil {
				logger.Warn().Err(err).Uint64("replica", uint64(c)).Msg("persist frontier failed")
			}
		})
		fanout := ws.ServerFanout(hub, docID)
		e.OnAdmitted(func(ev collab.OpAdmittedEvent) {
			fanout(ev)
			if relay != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
				_ = relay.Enqueue(ctx, ev)
				cancel()
			}
		})
		e.StartMaintenance(maintCtx)
		return e, nil
	})

	sem := collab.NewSemaphoreControl(0)
	manager := ws.NewManager(hub, reg, sem, logger)
	admin := handlers.NewAdminHandlers(reg)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	collabGroup := r.Group("/collab")
	collabGroup.Use(middleware.AuthMiddleware())
	collabGroup.GET("/ws", manager.WebSocketConnect)

	adminGroup := r.Group("/admin")
	adminGroup.Use(middleware.AuthMiddleware(), middleware.RequireLevel(perm.LevelAdmin))
	adminGroup.POST("/grant", admin.Grant)
	adminGroup.POST("/revoke", admin.Revoke)
	adminGroup.POST("/token", admin.IssueToken)
	adminGroup.POST("/checkpoint", admin.Checkpoint)
	adminGroup.GET("/versions/:id", admin.RestoreVersion)
	adminGroup.GET("/conflicts", admin.Conflicts)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	addr := fmt.Sprintf(":%d", cfg.Running.Port)
	logger.Info().Str("addr", addr).Msg("sync server listening")
	if err := r.Run(addr); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

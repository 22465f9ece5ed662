package ledger

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// MongoConfig MongoDB 账本配置
type MongoConfig struct {
	URI            string        `yaml:"uri" env:"URI"`
	Database       string        `yaml:"database" env:"DATABASE"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// MongoLedger 把请求记录写入 MongoDB 的 llm_requests 集合
type MongoLedger struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
	now    func() time.Time
}

// NewMongoLedger 连接 MongoDB 并确保 job_id 唯一索引
func NewMongoLedger(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoLedger, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongodb uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "llmgateway"
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	l := NewMongoLedgerFromCollection(client.Database(cfg.Database).Collection(CollectionName), logger)
	l.client = client

	_, err = l.coll.Indexes().CreateOne(pingCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		l.logger.Warn("failed to ensure job_id index", zap.Error(err))
	}

	l.logger.Info("mongodb ledger ready", zap.String("database", cfg.Database))
	return l, nil
}

// NewMongoLedgerFromCollection 使用已有集合创建账本
func NewMongoLedgerFromCollection(coll *mongo.Collection, logger *zap.Logger) *MongoLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoLedger{
		coll:   coll,
		logger: logger.With(zap.String("component", "mongo_ledger")),
		now:    time.Now,
	}
}

func (m *MongoLedger) LogRequest(ctx context.Context, rec *Record) (string, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	if _, err := m.coll.InsertOne(ctx, recordDocument(rec)); err != nil {
		return "", fmt.Errorf("insert llm request: %w", err)
	}
	return rec.JobID, nil
}

func (m *MongoLedger) UpdateRequest(ctx context.Context, jobID string, u Update) error {
	res, err := m.coll.UpdateOne(ctx, bson.M{"job_id": jobID}, updateDocument(u, m.now().UTC()))
	if err != nil {
		return fmt.Errorf("update llm request: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Ping 检查连接
func (m *MongoLedger) Ping(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Ping(ctx, nil)
}

// Close 断开连接
func (m *MongoLedger) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

// recordDocument 构造插入文档。合法的十六进制 user_id 存为 ObjectID。
func recordDocument(rec *Record) bson.M {
	doc := bson.M{
		"job_id":               rec.JobID,
		"provider":             rec.Provider,
		"operation":            rec.Operation,
		"endpoint":             rec.Endpoint,
		"model":                rec.Model,
		"stream":               rec.Stream,
		"request_hash":         rec.RequestHash,
		"request_bytes":        rec.RequestBytes,
		"messages_count":       rec.MessagesCount,
		"input_count":          rec.InputCount,
		"status_code":          nil,
		"latency_ms":           nil,
		"usage":                nil,
		"provider_response_id": nil,
		"finish_reason":        nil,
		"error":                nil,
		"created_at":           rec.CreatedAt,
	}
	if rec.UserID != "" {
		if oid, err := bson.ObjectIDFromHex(rec.UserID); err == nil {
			doc["user_id"] = oid
		} else {
			doc["user_id"] = rec.UserID
		}
	} else {
		doc["user_id"] = nil
	}
	return doc
}

func updateDocument(u Update, now time.Time) bson.M {
	set := bson.M{}
	for k, v := range u.Fields() {
		set[k] = v
	}
	set["updated_at"] = now
	return bson.M{"$set": set}
}

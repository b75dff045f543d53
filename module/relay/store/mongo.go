package store

import (
	"context"
	"errors"

	"inboxrelay/module/relay/model"
	"inboxrelay/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	CollMessage      = "relay_message"
	CollConversation = "relay_conversation"
	CollStatusEvent  = "relay_status_event"
)

// MongoStore 三个集合：消息、会话、回执流水
type MongoStore struct {
	DB       *mongo.Database
	Msgs     *mongo.Collection
	Convs    *mongo.Collection
	Statuses *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		DB:       db,
		Msgs:     db.Collection(CollMessage),
		Convs:    db.Collection(CollConversation),
		Statuses: db.Collection(CollStatusEvent),
	}
}

// EnsureIndexes 启动时创建索引，重复执行无副作用
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.Msgs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
	}); err != nil {
		return errs.WrapMsg(err, "create message index")
	}
	if _, err := s.Statuses.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "conversation_id", Value: 1}, {Key: "message_id", Value: 1}, {Key: "observed_at", Value: 1}},
	}); err != nil {
		return errs.WrapMsg(err, "create status index")
	}
	return nil
}

func (s *MongoStore) InsertMessage(ctx context.Context, m *model.Message) (*model.Message, bool, error) {
	// 回执字段只由 AppendStatus 维护
	doc := bson.M{
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"direction":       m.Direction,
		"message_type":    m.Type,
		"body":            m.Body,
		"attachment":      m.Attachment,
		"template":        m.Template,
		"external_id":     m.ExternalID,
		"created_at":      m.CreatedAt,
	}
	res, err := s.Msgs.UpdateOne(ctx,
		bson.M{"_id": m.ID, "tenant_id": m.TenantID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// _id 全局唯一，被其他租户占用
		return nil, false, ErrIDTaken.WrapMsg("message", "id", m.ID)
	}
	if err != nil {
		return nil, false, errs.WrapMsg(err, "insert message", "id", m.ID)
	}
	if res.UpsertedCount == 1 {
		cp := *m
		return &cp, true, nil
	}
	stored, err := s.GetMessage(ctx, m.TenantID, m.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, tenantID, messageID string) (*model.Message, error) {
	var m model.Message
	err := s.Msgs.FindOne(ctx, bson.M{"_id": messageID, "tenant_id": tenantID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound.WrapMsg("message", "id", messageID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find message", "id", messageID)
	}
	return &m, nil
}

func (s *MongoStore) ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]model.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(normLimit(limit)))
	cur, err := s.Msgs.Find(ctx, bson.M{"tenant_id": tenantID, "conversation_id": conversationID}, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "find messages", "conversation_id", conversationID)
	}
	defer cur.Close(ctx)

	var out []model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode messages")
	}
	// 倒序取最近 N 条，再翻转为升序
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.Convs.FindOne(ctx, bson.M{"_id": conversationID, "tenant_id": tenantID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound.WrapMsg("conversation", "id", conversationID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find conversation", "id", conversationID)
	}
	return &c, nil
}

func (s *MongoStore) UpsertConversation(ctx context.Context, c *model.Conversation) error {
	_, err := s.Convs.ReplaceOne(ctx,
		bson.M{"_id": c.ID, "tenant_id": c.TenantID}, c,
		options.Replace().SetUpsert(true))
	return errs.WrapMsg(err, "upsert conversation", "id", c.ID)
}

// UpdateLastMessage 仅当新消息不早于现有摘要时覆盖
func (s *MongoStore) UpdateLastMessage(ctx context.Context, tenantID, conversationID string, m *model.Message) error {
	filter := bson.M{
		"_id":       conversationID,
		"tenant_id": tenantID,
		"$or": bson.A{
			bson.M{"last_message": bson.M{"$exists": false}},
			bson.M{"last_message": nil},
			bson.M{"last_message.at": bson.M{"$lte": m.CreatedAt}},
		},
	}
	update := bson.M{"$set": bson.M{"last_message": lastMessageOf(m), "updated_at": m.CreatedAt}}
	_, err := s.Convs.UpdateOne(ctx, filter, update)
	return errs.WrapMsg(err, "update last message", "conversation_id", conversationID)
}

func (s *MongoStore) ChannelBinding(ctx context.Context, tenantID, conversationID string) (model.ChannelBinding, error) {
	c, err := s.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return model.ChannelBinding{}, err
	}
	return c.Binding, nil
}

func (s *MongoStore) AppendStatus(ctx context.Context, ev model.StatusEvent) (bool, error) {
	if _, err := s.Statuses.InsertOne(ctx, ev); err != nil {
		return false, errs.WrapMsg(err, "insert status event", "message_id", ev.MessageID)
	}
	filter := bson.M{
		"_id":       ev.MessageID,
		"tenant_id": ev.TenantID,
		"$or": bson.A{
			bson.M{"status_observed_at": bson.M{"$exists": false}},
			bson.M{"status_observed_at": bson.M{"$lte": ev.ObservedAt}},
		},
	}
	res, err := s.Msgs.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"current_status":     ev.Status,
		"status_observed_at": ev.ObservedAt,
	}})
	if err != nil {
		return false, errs.WrapMsg(err, "apply status", "message_id", ev.MessageID)
	}
	return res.MatchedCount > 0, nil
}

// LatestStatuses 按 observed_at 升序、同时间按插入顺序，分组取最后一条
func (s *MongoStore) LatestStatuses(ctx context.Context, tenantID, conversationID string) ([]model.StatusEvent, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"tenant_id": tenantID, "conversation_id": conversationID}}},
		{{Key: "$sort", Value: bson.D{{Key: "observed_at", Value: 1}, {Key: "_id", Value: 1}}}},
		{{Key: "$group", Value: bson.M{"_id": "$message_id", "ev": bson.M{"$last": "$$ROOT"}}}},
		{{Key: "$replaceRoot", Value: bson.M{"newRoot": "$ev"}}},
	}
	cur, err := s.Statuses.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errs.WrapMsg(err, "aggregate statuses", "conversation_id", conversationID)
	}
	defer cur.Close(ctx)
	var out []model.StatusEvent
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode statuses")
	}
	return out, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.DB.Client().Disconnect(ctx)
}

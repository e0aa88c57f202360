package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/iliyamo/storefront-auth/internal/model"
)

const auditCollection = "audit_logs"

// AuditRepo appends audit entries to MongoDB. Entries are never updated;
// the TTL index on expiresAt removes them after the retention window.
type AuditRepo struct{ Coll *mongo.Collection }

func NewAuditRepo(db *mongo.Database) *AuditRepo {
	return &AuditRepo{Coll: db.Collection(auditCollection)}
}

func auditIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0).SetName("ttl_expiresAt")},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "action", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "ipAddress", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "resourceType", Value: 1}, {Key: "resourceId", Value: 1}}},
	}
}

// EnsureIndexes creates the TTL and query indexes. Safe to call on every
// start.
func (r *AuditRepo) EnsureIndexes(ctx context.Context) error {
	if _, err := r.Coll.Indexes().CreateMany(ctx, auditIndexes()); err != nil {
		return fmt.Errorf("create audit indexes: %w", err)
	}
	return nil
}

// Insert stores e. The id is the document key, so a redelivered entry that
// is already stored counts as written.
func (r *AuditRepo) Insert(ctx context.Context, e model.AuditEntry) error {
	_, err := r.Coll.InsertOne(ctx, e)
	return insertErr(err)
}

func insertErr(err error) error {
	if err == nil || mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return fmt.Errorf("insert audit entry: %w", err)
}

// Trail returns the newest entries touching one resource.
func (r *AuditRepo) Trail(ctx context.Context, resourceType model.ResourceType, resourceID string, limit int) ([]model.AuditEntry, error) {
	return r.find(ctx, trailFilter(resourceType, resourceID), limit)
}

// Activity returns the newest entries recorded for one user.
func (r *AuditRepo) Activity(ctx context.Context, userID uint64, limit int) ([]model.AuditEntry, error) {
	return r.find(ctx, bson.D{{Key: "userId", Value: userID}}, limit)
}

func trailFilter(resourceType model.ResourceType, resourceID string) bson.D {
	f := bson.D{{Key: "resourceType", Value: resourceType}}
	if resourceID != "" {
		f = append(f, bson.E{Key: "resourceId", Value: resourceID})
	}
	return f
}

func clampLimit(limit int) int64 {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	}
	return int64(limit)
}

func (r *AuditRepo) find(ctx context.Context, filter bson.D, limit int) ([]model.AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(clampLimit(limit))
	cur, err := r.Coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find audit entries: %w", err)
	}
	out := []model.AuditEntry{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode audit entries: %w", err)
	}
	return out, nil
}

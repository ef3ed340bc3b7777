package mongo

import (
	"context"
	"time"

	"github.com/edbertswd/court-reservations-and-payments/internal/clock"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/edbertswd/court-reservations-and-payments/internal/requestctx"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// AuditLogger appends booking activity to the audit trail. Write failures
// are logged and never fail the business operation.
type AuditLogger struct {
	coll   *mongo.Collection
	clock  clock.Clock
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, clk clock.Clock, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		clock:  clk,
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	EntityID  string    `bson:"entity_id"`
	ActorID   string    `bson:"actor_id,omitempty"`
	RequestID string    `bson:"request_id,omitempty"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) Record(ctx context.Context, action string, entityID uuid.UUID, data map[string]interface{}) {
	log := AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		EntityID:  entityID.String(),
		RequestID: requestctx.RequestID(ctx),
		Timestamp: a.clock.Now(),
		Data:      bson.M(data),
	}
	if p, ok := requestctx.PrincipalFrom(ctx); ok {
		log.ActorID = p.UserID.String()
	}
	if _, err := a.coll.InsertOne(context.WithoutCancel(ctx), log); err != nil {
		observability.FromContext(ctx, a.logger).WithError(err).WithField("action", action).Error("failed to insert audit log")
	}
}

// History returns the audit entries of one entity, oldest first.
func (a *AuditLogger) History(ctx context.Context, entityID uuid.UUID) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx, bson.M{"entity_id": entityID.String()}, sortByTimestamp())
	if err != nil {
		return nil, err
	}
	var logs []AuditLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CourtDirectory reads courts from the facility directory. Rates are stored
// as decimal strings.
type CourtDirectory struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCourtDirectory(db *mongo.Database, logger observability.Logger) *CourtDirectory {
	return &CourtDirectory{
		coll:   db.Collection("courts"),
		logger: logger,
	}
}

type CourtDoc struct {
	ID         string    `bson:"_id"`
	FacilityID string    `bson:"facility_id"`
	Name       string    `bson:"name"`
	HourlyRate string    `bson:"hourly_rate"`
	Currency   string    `bson:"currency"`
	ManagerIDs []string  `bson:"manager_ids"`
	Active     bool      `bson:"active"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func (c *CourtDirectory) GetCourt(ctx context.Context, id uuid.UUID) (domain.Court, error) {
	var doc CourtDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id.String(), "active": true}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Court{}, errors.Wrapf(domain.ErrNotFound, "court %s", id)
	}
	if err != nil {
		c.logger.WithError(err).WithField("court_id", id).Error("failed to get court")
		return domain.Court{}, errors.Wrapf(err, "court %s", id)
	}
	return doc.toDomain()
}

// UpsertCourt writes the directory entry for court.
func (c *CourtDirectory) UpsertCourt(ctx context.Context, court domain.Court) error {
	managers := make([]string, 0, len(court.ManagerIDs))
	for _, m := range court.ManagerIDs {
		managers = append(managers, m.String())
	}
	doc := CourtDoc{
		ID:         court.ID.String(),
		FacilityID: court.FacilityID.String(),
		Name:       court.Name,
		HourlyRate: court.HourlyRate.String(),
		Currency:   court.Currency,
		ManagerIDs: managers,
		Active:     true,
		UpdatedAt:  time.Now(),
	}
	_, err := c.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "upsert court %s", court.ID)
}

func (d CourtDoc) toDomain() (domain.Court, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.Court{}, errors.Wrapf(err, "court id %q", d.ID)
	}
	court := domain.Court{ID: id, Name: d.Name, Currency: d.Currency}
	if d.FacilityID != "" {
		if court.FacilityID, err = uuid.Parse(d.FacilityID); err != nil {
			return domain.Court{}, errors.Wrapf(err, "facility id of court %s", d.ID)
		}
	}
	if court.HourlyRate, err = decimal.NewFromString(d.HourlyRate); err != nil {
		return domain.Court{}, errors.Wrapf(err, "hourly rate of court %s", d.ID)
	}
	for _, m := range d.ManagerIDs {
		mid, err := uuid.Parse(m)
		if err != nil {
			return domain.Court{}, errors.Wrapf(err, "manager id of court %s", d.ID)
		}
		court.ManagerIDs = append(court.ManagerIDs, mid)
	}
	return court, nil
}

package mongo_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	mongoadapter "github.com/edbertswd/court-reservations-and-payments/internal/adapters/mongo"
	"github.com/edbertswd/court-reservations-and-payments/internal/clock"
	"github.com/edbertswd/court-reservations-and-payments/internal/domain"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
	"github.com/edbertswd/court-reservations-and-payments/internal/requestctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func startMongo(t *testing.T) *mongo.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("needs a MongoDB container")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "mongodb")
	if err != nil {
		t.Fatal(err)
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(endpoint))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Disconnect(ctx) })

	db := client.Database("courts_test")
	if err := mongoadapter.EnsureIndexes(ctx, db); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestCourtDirectoryAndAudit(t *testing.T) {
	db := startMongo(t)
	logger, _ := test.NewNullLogger()
	log := observability.Wrap(logger)
	ctx := context.Background()

	dir := mongoadapter.NewCourtDirectory(db, log)
	court := domain.Court{
		ID:         uuid.New(),
		FacilityID: uuid.New(),
		Name:       "Court 3",
		HourlyRate: decimal.RequireFromString("42.50"),
		Currency:   "AUD",
		ManagerIDs: []uuid.UUID{uuid.New()},
	}
	if err := dir.UpsertCourt(ctx, court); err != nil {
		t.Fatal(err)
	}

	got, err := dir.GetCourt(ctx, court.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.HourlyRate.Equal(court.HourlyRate) || got.FacilityID != court.FacilityID || !got.ManagedBy(court.ManagerIDs[0]) {
		t.Errorf("court = %+v", got)
	}
	if _, err := dir.GetCourt(ctx, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	clk := clock.NewFake(time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC))
	audit := mongoadapter.NewAuditLogger(db, clk, log)
	bookingID := uuid.New()
	actor := uuid.New()
	actx := requestctx.WithRequestID(requestctx.WithPrincipal(ctx, requestctx.Principal{UserID: actor}), "req-1")

	audit.Record(actx, "booking.created", bookingID, map[string]interface{}{"status": "pending_payment"})
	clk.Advance(time.Minute)
	audit.Record(actx, "booking.confirmed", bookingID, map[string]interface{}{"status": "confirmed"})

	history, err := audit.History(ctx, bookingID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Action != "booking.created" || history[1].Action != "booking.confirmed" {
		t.Fatalf("history = %+v", history)
	}
	if history[0].ActorID != actor.String() || history[0].RequestID != "req-1" {
		t.Errorf("entry = %+v", history[0])
	}
}

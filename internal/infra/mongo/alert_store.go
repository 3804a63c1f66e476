package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// AlertStore persists operational alerts in the alerts collection.
type AlertStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
}

var _ app.AlertSink = (*AlertStore)(nil)

// NewAlertStore connects to uri and uses dbName.alerts.
func NewAlertStore(ctx context.Context, uri, dbName string) (*AlertStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	coll := client.Database(dbName).Collection("alerts")
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "kind", Value: 1}, {Key: "at", Value: -1}},
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("create alert index: %w", err)
	}
	return &AlertStore{Client: client, Collection: coll}, nil
}

func (s *AlertStore) RecordAlert(ctx context.Context, alert domain.Alert) error {
	if _, err := s.Collection.InsertOne(ctx, alert); err != nil {
		return fmt.Errorf("insert alert %s: %w", alert.ID, err)
	}
	return nil
}

// ListAlerts returns the newest limit alerts of kind, oldest first. An empty kind lists all.
func (s *AlertStore) ListAlerts(ctx context.Context, kind domain.AlertKind, limit int) ([]domain.Alert, error) {
	filter := bson.M{}
	if kind != "" {
		filter["kind"] = kind
	}
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find alerts: %w", err)
	}
	defer cursor.Close(ctx)

	var alerts []domain.Alert
	if err := cursor.All(ctx, &alerts); err != nil {
		return nil, fmt.Errorf("decode alerts: %w", err)
	}
	for i, j := 0, len(alerts)-1; i < j; i, j = i+1, j-1 {
		alerts[i], alerts[j] = alerts[j], alerts[i]
	}
	return alerts, nil
}

func (s *AlertStore) Close(ctx context.Context) error {
	return s.Client.Disconnect(ctx)
}

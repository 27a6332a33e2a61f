package registry

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists definitions in a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	slots  *mongo.Collection
}

// NewMongoStore connects to MongoDB and prepares the slots collection.
func NewMongoStore(uri, dbName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	store := &MongoStore{
		client: client,
		slots:  client.Database(dbName).Collection("slots"),
	}

	if err := store.createIndexes(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	_, err := s.slots.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create slots indexes: %w", err)
	}
	return nil
}

// Create inserts a new definition.
func (s *MongoStore) Create(ctx context.Context, def *Definition) error {
	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	_, err := s.slots.InsertOne(ctx, def)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateName
	}
	return err
}

// Update replaces an existing definition's mutable fields.
func (s *MongoStore) Update(ctx context.Context, def *Definition) error {
	def.UpdatedAt = time.Now()

	update := bson.M{"$set": bson.M{
		"name":          def.Name,
		"description":   def.Description,
		"code":          def.Code,
		"output_schema": def.OutputSchema,
		"timeout_ms":    def.TimeoutMs,
		"updated_at":    def.UpdatedAt,
	}}

	res, err := s.slots.UpdateOne(ctx, bson.M{"_id": def.ID}, update)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a definition by ID.
func (s *MongoStore) Get(ctx context.Context, id string) (*Definition, error) {
	var def Definition
	err := s.slots.FindOne(ctx, bson.M{"_id": id}).Decode(&def)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// GetByName retrieves a definition by name.
func (s *MongoStore) GetByName(ctx context.Context, name string) (*Definition, error) {
	var def Definition
	err := s.slots.FindOne(ctx, bson.M{"name": name}).Decode(&def)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// List returns definitions sorted by creation time, newest first.
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]Definition, error) {
	query := bson.M{}
	if filter.Name != "" {
		query["name"] = filter.Name
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(filter.Offset))

	cursor, err := s.slots.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var defs []Definition
	if err := cursor.All(ctx, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// Delete removes a definition.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.slots.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the MongoDB connection.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

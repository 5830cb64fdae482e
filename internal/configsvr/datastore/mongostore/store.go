// Package mongostore keeps database records in the databases collection of a
// MongoDB config database. Documents use the database name as _id.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/models"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/opctx"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
)

const colDatabases = "databases"

var _ datastore.DatabaseStore = (*Store)(nil)

var errUpsertWithoutName = errors.New("upsert requires the filter to name the database")

type databaseDocument struct {
	Name        string `bson:"_id"`
	Primary     string `bson:"primary,omitempty"`
	Partitioned bool   `bson:"partitioned"`
	// Folded is models.FoldName of Name and backs FindDatabaseFold.
	Folded string `bson:"folded"`
}

func (d databaseDocument) record() models.DatabaseRecord {
	return models.DatabaseRecord{Name: d.Name, Primary: d.Primary, Sharded: d.Partitioned}
}

// Store is a MongoDB implementation of datastore.DatabaseStore.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open connects to the MongoDB deployment and verifies the primary is reachable.
func Open(ctx context.Context, conf config.MongoDB) (*Store, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(conf.URI).
		SetConnectTimeout(conf.Timeout).
		SetServerSelectionTimeout(conf.Timeout))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping: %w", err)
	}

	return New(client, conf.Database), nil
}

// New returns a Store using the database of client. The caller owns the client.
func New(client *mongo.Client, database string) *Store {
	return &Store{client: client, db: client.Database(database)}
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Migrate creates the indexes of the databases collection.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Collection(colDatabases).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "primary", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create primary index: %w", err)
	}

	if _, err := s.db.Collection(colDatabases).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "folded", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create folded name index: %w", err)
	}

	return nil
}

// collection returns the databases collection reading with the read concern of ctx
// and writing with majority acknowledgement.
func (s *Store) collection(ctx context.Context) *mongo.Collection {
	var rc *readconcern.ReadConcern
	switch opctx.ReadConcernFrom(ctx) {
	case opctx.ReadConcernMajority:
		rc = readconcern.Majority()
	case opctx.ReadConcernLinearizable:
		rc = readconcern.Linearizable()
	default:
		rc = readconcern.Local()
	}

	return s.db.Collection(colDatabases, options.Collection().
		SetReadConcern(rc).
		SetWriteConcern(writeconcern.Majority()))
}

func filterDocument(filter datastore.DatabaseFilter) bson.M {
	doc := bson.M{}
	if filter.Name != "" {
		doc["_id"] = filter.Name
	}
	if filter.Primary != "" {
		doc["primary"] = filter.Primary
	}
	return doc
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *Store) UpdateDatabases(ctx context.Context, filter datastore.DatabaseFilter, update datastore.DatabaseUpdate, opts datastore.UpdateOptions) (int64, error) {
	set := bson.M{}
	if update.Sharded != nil {
		set["partitioned"] = *update.Sharded
	}
	if update.Primary != nil {
		set["primary"] = *update.Primary
	}
	if len(set) == 0 {
		return 0, errors.New("update sets no fields")
	}

	if opts.Upsert && filter.Name == "" {
		return 0, errUpsertWithoutName
	}

	change := bson.M{"$set": set}
	if opts.Upsert {
		change["$setOnInsert"] = bson.M{"folded": models.FoldName(filter.Name)}
	}

	col := s.collection(ctx)

	var (
		res *mongo.UpdateResult
		err error
	)
	if opts.Multi {
		res, err = col.UpdateMany(ctx, filterDocument(filter), change,
			options.UpdateMany().SetUpsert(opts.Upsert))
	} else {
		res, err = col.UpdateOne(ctx, filterDocument(filter), change,
			options.UpdateOne().SetUpsert(opts.Upsert))
	}
	if err != nil {
		// A concurrent insert of the same _id beats the upsert.
		if opts.Upsert && mongo.IsDuplicateKeyError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("update: %w", err)
	}

	return res.MatchedCount, nil
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *Store) GetDatabase(ctx context.Context, name string) (models.DatabaseRecord, error) {
	return s.findOne(ctx, bson.M{"_id": name}, options.FindOne())
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *Store) FindDatabaseFold(ctx context.Context, name string) (models.DatabaseRecord, error) {
	return s.findOne(ctx, bson.M{"folded": models.FoldName(name)}, options.FindOne().
		SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (s *Store) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptionsBuilder) (models.DatabaseRecord, error) {
	var doc databaseDocument
	if err := s.collection(ctx).FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.DatabaseRecord{}, commonerr.ErrDatabaseNotFound
		}
		return models.DatabaseRecord{}, fmt.Errorf("find: %w", err)
	}

	return doc.record(), nil
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *Store) CreateDatabase(ctx context.Context, record models.DatabaseRecord) error {
	if _, err := s.collection(ctx).InsertOne(ctx, databaseDocument{
		Name:        record.Name,
		Primary:     record.Primary,
		Partitioned: record.Sharded,
		Folded:      models.FoldName(record.Name),
	}); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return commonerr.ErrDatabaseAlreadyExists
		}
		return fmt.Errorf("insert: %w", err)
	}

	return nil
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *Store) ListDatabases(ctx context.Context) ([]models.DatabaseRecord, error) {
	cursor, err := s.collection(ctx).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}

	var docs []databaseDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	records := make([]models.DatabaseRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, doc.record())
	}

	return records, nil
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *Store) CountDatabasesByPrimary(ctx context.Context) (map[string]int, error) {
	cursor, err := s.collection(ctx).Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"primary": bson.M{"$exists": true, "$ne": ""}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$primary"},
			{Key: "count", Value: bson.M{"$sum": 1}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	var groups []struct {
		Shard string `bson:"_id"`
		Count int    `bson:"count"`
	}
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	counts := make(map[string]int, len(groups))
	for _, group := range groups {
		counts[group.Shard] = group.Count
	}

	return counts, nil
}

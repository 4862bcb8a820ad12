package lock

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// leaseCollection is the subset of *mongo.Collection used by LeaseLocker.
type leaseCollection interface {
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

// LeaseLocker stores one lease document per locked item:
//
//	{_id: <item id>, owner: <instance id>, expires_at: <time>}
//
// A lease is not tied to a session, so an expired lease may be taken over. The TTL
// must exceed the longest time an item can be held.
type LeaseLocker struct {
	coll   leaseCollection
	client *mongo.Client
	owner  string
	ttl    time.Duration
	now    func() time.Time
	held   *reservations[string, struct{}]
}

func NewLeaseLocker(coll *mongo.Collection, owner string, ttl time.Duration) *LeaseLocker {
	return newLeaseLocker(coll, owner, ttl)
}

func newLeaseLocker(coll leaseCollection, owner string, ttl time.Duration) *LeaseLocker {
	return &LeaseLocker{
		coll:  coll,
		owner: owner,
		ttl:   ttl,
		now:   time.Now,
		held:  newReservations[string, struct{}](),
	}
}

func (l *LeaseLocker) TryAcquire(ctx context.Context, itemID string) (bool, error) {
	if !l.held.reserve(itemID) {
		return false, nil
	}

	now := l.now()
	filter := bson.M{
		"_id": itemID,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$lt": now}},
			bson.M{"owner": l.owner},
		},
	}
	update := bson.M{"$set": bson.M{
		"owner":       l.owner,
		"acquired_at": now,
		"expires_at":  now.Add(l.ttl),
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	err := l.coll.FindOneAndUpdate(ctx, filter, update, opts).Err()
	if mongo.IsDuplicateKeyError(err) {
		// An unexpired lease owned by someone else matched _id but not the filter.
		l.held.cancel(itemID)
		return false, nil
	}
	if err != nil {
		l.held.cancel(itemID)
		return false, fmt.Errorf("failed to acquire lease %s: %w", itemID, err)
	}

	l.held.commit(itemID, &struct{}{})
	return true, nil
}

func (l *LeaseLocker) Release(ctx context.Context, itemID string) error {
	if l.held.take(itemID) == nil {
		return nil
	}
	if _, err := l.coll.DeleteOne(ctx, bson.M{"_id": itemID, "owner": l.owner}); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", itemID, err)
	}
	return nil
}

// Close disconnects the client when the locker owns it.
func (l *LeaseLocker) Close(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	return l.client.Disconnect(ctx)
}

// ensureIndexes lets MongoDB garbage-collect leases abandoned by crashed instances.
func ensureIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return err
}

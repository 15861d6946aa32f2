// Package storage defines the key-value persistence used for campaigns and
// session metadata.
package storage

import (
	"context"
	"errors"
)

// Well-known buckets.
const (
	BucketCampaigns = "campaigns"
	BucketSessions  = "sessions"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// Item is one key/value pair returned by List.
type Item struct {
	Key   string
	Value []byte
}

// Store is a bucketed key-value store. Values are opaque documents;
// Set is a full upsert.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Set(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket string) ([]Item, error)
	Close() error
}

// SessionKey builds the key for one piece of session data.
func SessionKey(sessionID, dataKey string) string {
	return sessionID + "/" + dataKey
}

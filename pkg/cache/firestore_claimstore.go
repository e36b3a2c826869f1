package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// claimDocument is the stored shape of a claim.
type claimDocument struct {
	State     string    `firestore:"state"`
	ClaimedAt time.Time `firestore:"claimedAt"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

const (
	firestoreInProgressState = "in_progress"
	firestoreDoneState       = "done"
)

// FirestoreClaimStore implements ClaimStore using Firestore document creation,
// which fails atomically when the document already exists. It is suitable for
// smaller deployments where a dedicated Redis instance may be overkill.
//
// Expired documents are overwritten on the next claim; a Firestore TTL policy
// on expiresAt can be configured to delete them in the background.
type FirestoreClaimStore struct {
	client        *firestore.Client
	collection    string
	ttl           time.Duration
	inProgressTTL time.Duration
}

// NewFirestoreClaimStore creates a new FirestoreClaimStore. ttl applies to
// completed claims; in-progress claims expire after DefaultInProgressTTL or ttl,
// whichever is shorter.
func NewFirestoreClaimStore(client *firestore.Client, collectionName string, ttl time.Duration) (*FirestoreClaimStore, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if collectionName == "" {
		return nil, errors.New("firestore collection name is required")
	}
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &FirestoreClaimStore{
		client:        client,
		collection:    collectionName,
		ttl:           ttl,
		inProgressTTL: inProgressTTL(0, ttl),
	}, nil
}

// docID escapes key, since message keys contain "/" which Firestore treats as a path separator.
func docID(key string) string {
	return url.PathEscape(key)
}

// Claim creates an in-progress claim document, or takes over an expired one.
func (c *FirestoreClaimStore) Claim(ctx context.Context, key string) (ClaimState, error) {
	docRef := c.client.Collection(c.collection).Doc(docID(key))
	now := time.Now().UTC()
	doc := claimDocument{State: firestoreInProgressState, ClaimedAt: now, ExpiresAt: now.Add(c.inProgressTTL)}

	_, err := docRef.Create(ctx, doc)
	if err == nil {
		return ClaimAcquired, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return ClaimInProgress, fmt.Errorf("firestore create failed for key %s: %w", key, err)
	}

	state := ClaimInProgress
	err = c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				state = ClaimAcquired
				return tx.Create(docRef, doc)
			}
			return err
		}
		var existing claimDocument
		if err := snap.DataTo(&existing); err != nil {
			return err
		}
		if now.Before(existing.ExpiresAt) {
			state = ClaimInProgress
			if existing.State == firestoreDoneState {
				state = ClaimDone
			}
			return nil
		}
		state = ClaimAcquired
		return tx.Set(docRef, doc)
	})
	if err != nil {
		return ClaimInProgress, fmt.Errorf("firestore claim transaction failed for key %s: %w", key, err)
	}
	return state, nil
}

// Complete marks the claim document done with the completed-claim TTL.
func (c *FirestoreClaimStore) Complete(ctx context.Context, key string) error {
	now := time.Now().UTC()
	_, err := c.client.Collection(c.collection).Doc(docID(key)).Set(ctx, claimDocument{
		State:     firestoreDoneState,
		ClaimedAt: now,
		ExpiresAt: now.Add(c.ttl),
	})
	if err != nil {
		return fmt.Errorf("firestore set failed for key %s: %w", key, err)
	}
	return nil
}

// Release deletes the claim document.
func (c *FirestoreClaimStore) Release(ctx context.Context, key string) error {
	_, err := c.client.Collection(c.collection).Doc(docID(key)).Delete(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("firestore delete failed for key %s: %w", key, err)
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (c *FirestoreClaimStore) Close() error {
	return nil
}

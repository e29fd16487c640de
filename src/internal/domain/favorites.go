package domain

import (
	"errors"
	"time"
)

var (
	ErrDocumentNotFound   = errors.New("favorites document not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrTransactionAborted = errors.New("transaction aborted after repeated conflicts")
	ErrNotSubscribed      = errors.New("favorites store is not subscribed")
	ErrMediaNotFound      = errors.New("media not found")
)

// FavoritesDocument is the remote per-user document. Items are unique by ID.
type FavoritesDocument struct {
	UserID    string         `json:"userId" firestore:"userId"`
	Items     []FavoriteItem `json:"items" firestore:"items"`
	UpdatedAt time.Time      `json:"updatedAt" firestore:"updatedAt"`

	// Version increases with every committed write. Zero means the document
	// does not exist or the backend could not report a version.
	Version int64 `json:"version" firestore:"-"`
	Exists  bool  `json:"-" firestore:"-"`
}

func (d FavoritesDocument) Contains(id int64) bool {
	for _, it := range d.Items {
		if it.ID == id {
			return true
		}
	}
	return false
}

// With returns a copy of d that holds item. The copy is deduplicated, so an
// item already present is left where it is.
func (d FavoritesDocument) With(item FavoriteItem) FavoritesDocument {
	out := d
	out.Items = DedupItems(d.Items)
	for _, it := range out.Items {
		if it.ID == item.ID {
			return out
		}
	}
	out.Items = append(out.Items, item)
	return out
}

func (d FavoritesDocument) Without(id int64) FavoritesDocument {
	out := d
	out.Items = make([]FavoriteItem, 0, len(d.Items))
	for _, it := range d.Items {
		if it.ID != id {
			out.Items = append(out.Items, it)
		}
	}
	out.Items = DedupItems(out.Items)
	return out
}

// Clone returns a deep copy so callers can mutate Items freely.
func (d FavoritesDocument) Clone() FavoritesDocument {
	out := d
	out.Items = append([]FavoriteItem(nil), d.Items...)
	return out
}

// DedupItems keeps the first occurrence of every ID, preserving order.
func DedupItems(items []FavoriteItem) []FavoriteItem {
	seen := make(map[int64]struct{}, len(items))
	out := make([]FavoriteItem, 0, len(items))
	for _, it := range items {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Snapshot is a full point-in-time replacement of a subscribed document, or a
// delivered subscription error when Err is set.
type Snapshot struct {
	UserID   string
	Document FavoritesDocument
	Err      error
}

// Mutation computes the next document from the current one inside a
// transaction. Returning changed=false commits nothing. It may run more than
// once when the backend retries a conflicting transaction.
type Mutation func(current FavoritesDocument) (next FavoritesDocument, changed bool, err error)

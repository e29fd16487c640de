package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yaffw/cinefav/src/internal/domain"
)

type FirestoreUserRepo struct {
	users *firestore.CollectionRef
}

func NewUserRepo(client *firestore.Client, collection string) *FirestoreUserRepo {
	if collection == "" {
		collection = "users"
	}
	return &FirestoreUserRepo{users: client.Collection(collection)}
}

func (r *FirestoreUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	snap, err := r.users.Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	var user domain.User
	if err := snap.DataTo(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *FirestoreUserRepo) Save(ctx context.Context, user *domain.User) error {
	_, err := r.users.Doc(user.ID).Set(ctx, user)
	return err
}

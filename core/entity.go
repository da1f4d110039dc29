package core

import (
	"context"
	"errors"
	"time"
)

var (
	ErrLetterNotFound = errors.New("letter not found")
	ErrInvalidID      = errors.New("invalid letter id")
)

type (
	// Letter is the stored form of a document. ExternalRef is empty when the
	// letter has no live copy in the mirror service.
	Letter struct {
		ID          string    `json:"id"`
		OwnerID     string    `json:"ownerId,omitempty"`
		Title       string    `json:"title"`
		Content     string    `json:"content"`
		ExternalRef string    `json:"externalRef,omitempty"`
		CreatedAt   time.Time `json:"createdAt"`
		UpdatedAt   time.Time `json:"updatedAt"`
	}

	// DocumentStore is the durable home of letters, used for cold start and
	// for the non-live edit path.
	DocumentStore interface {
		Get(ctx context.Context, id string) (*Letter, error)
		Put(ctx context.Context, id, content string) error
		Create(ctx context.Context, letter *Letter) (string, error)
		SetExternalRef(ctx context.Context, id, ref string) error
		// List returns the letters owned by ownerID, most recently updated
		// first.
		List(ctx context.Context, ownerID string) ([]*Letter, error)
		Delete(ctx context.Context, id string) error
	}

	// MirrorService keeps a shareable copy of a letter outside this process.
	// It only knows how to create and delete copies; an update is a delete
	// followed by a create.
	MirrorService interface {
		Create(ctx context.Context, content string) (string, error)
		Delete(ctx context.Context, ref string) error
	}

	// MirrorLinker is implemented by mirrors whose refs map to a browsable URL.
	MirrorLinker interface {
		URL(ref string) string
	}
)

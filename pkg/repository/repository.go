package repository

import (
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/instill-ai/docflow-backend/pkg/repository/object"
)

// Repository gathers the persistence dependencies of the pipeline: the file
// entity store, the vector index, the object storage and the Redis backed
// per-file locks.
type Repository interface {
	File
	FileLock
	VectorDatabase

	// GetObjectStorage returns the blob storage client.
	GetObjectStorage() object.Storage
}

type repository struct {
	db *gorm.DB
	VectorDatabase
	objectStorage object.Storage
	redisClient   *redis.Client
}

// NewRepository returns an initialized repository.
func NewRepository(
	db *gorm.DB,
	vectorDB VectorDatabase,
	objectStorage object.Storage,
	redisClient *redis.Client,
) Repository {
	return &repository{
		db:             db,
		VectorDatabase: vectorDB,
		objectStorage:  objectStorage,
		redisClient:    redisClient,
	}
}

// GetObjectStorage returns the blob storage client.
func (r *repository) GetObjectStorage() object.Storage {
	return r.objectStorage
}

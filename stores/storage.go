package stores

import (
	"fmt"
	"os"

	"letter-collab/core"
	"letter-collab/stores/filesystem"
	"letter-collab/stores/memory"
	"letter-collab/stores/redis"
	"letter-collab/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// GetStore builds the DocumentStore named by STORAGE_TYPE.
func GetStore() (core.DocumentStore, error) {
	storageType := os.Getenv("STORAGE_TYPE")
	var (
		store core.DocumentStore
		err   error
	)

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "filesystem":
		basePath := os.Getenv("LOCAL_STORAGE_PATH")
		if basePath == "" {
			basePath = "./data"
		}
		storageField["basePath"] = basePath
		store, err = filesystem.NewDocumentStore(basePath)
	case "sqlite":
		dataSourceName := os.Getenv("DATA_SOURCE_NAME")
		if dataSourceName == "" {
			dataSourceName = "letters.db"
		}
		storageField["dataSourceName"] = dataSourceName
		store, err = sqlite.NewDocumentStore(dataSourceName)
	case "redis":
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		storageField["redisAddr"] = addr
		store, err = redis.NewDocumentStore(addr)
	case "", "memory":
		store = memory.NewDocumentStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown STORAGE_TYPE %q", storageType)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s store: %w", storageType, err)
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}

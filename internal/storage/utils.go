package storage

import (
	"github.com/ignatij/gobuild/pkg/storage"
	"github.com/spf13/afero"
)

// InitStore opens the store the CLI runs with: PostgreSQL when a connection
// string is given, the JSON state file under root otherwise. Both keep the
// newest retention runs; retention <= 0 keeps all.
func InitStore(dbConnStr string, fs afero.Fs, stateFile string, retention int) (storage.Store, error) {
	if dbConnStr != "" {
		return NewPostgresStore(dbConnStr, retention)
	}
	return storage.NewFileStore(fs, stateFile, storage.WithRetention(retention))
}

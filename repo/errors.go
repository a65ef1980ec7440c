package repo

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("document not found")
var ErrDeleted = errors.New("document deleted")
var ErrInvalidDocument = errors.New("document root must be an object")
var ErrMigrationMissing = errors.New("missing migration")
var ErrClosed = errors.New("repo closed")

type NotFoundError struct {
	DocumentId DocumentId
}

func (self *NotFoundError) Error() string {
	return fmt.Sprintf("document %s not found", self.DocumentId)
}

func (self *NotFoundError) Unwrap() error {
	return ErrNotFound
}

type MigrationError struct {
	DocumentId DocumentId
	Version    int
	Err        error
}

func (self *MigrationError) Error() string {
	return fmt.Sprintf("migration of %s to version %d failed: %s", self.DocumentId, self.Version, self.Err)
}

func (self *MigrationError) Unwrap() error {
	return self.Err
}

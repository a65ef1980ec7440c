package repo

import (
	"context"
	"math"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const VersionField = "version"

type Creator interface {
	Create(initial any) (*DocHandle, error)
}

// A migration reads the document at the previous version and returns the change to apply.
// It may create other documents with `creator`. A nil change only bumps the version.
type Migration func(ctx context.Context, creator Creator, doc map[string]any) (ChangeFunction, error)

// version -> migration that produces that version
type Migrations map[int]Migration

func (self Migrations) MaxVersion() int {
	maxVersion := 0
	for version := range self {
		maxVersion = max(maxVersion, version)
	}
	return maxVersion
}

type DocumentConfig struct {
	Migrations Migrations
	// runs after migration with the current snapshot
	OnInit func(ctx context.Context, handle *DocHandle, doc map[string]any) error
	// subscribed after init
	OnChange ChangeEventFunction
}

// DocumentVersion reads the version field. Missing or invalid is version 0.
func DocumentVersion(doc map[string]any) int {
	switch v := doc[VersionField].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case uint64:
		if v <= math.MaxInt64 {
			return int(v)
		}
	case float64:
		return int(v)
	}
	return 0
}

// Migrate brings a document up to the highest version in `migrations`.
// Versions run in ascending order from the current version + 1. Each migration and its version
// bump commit in a single change, so a failed migration leaves the document at the last good version.
// Returns true when any migration ran.
func (self *Repo) Migrate(ctx context.Context, handle *DocHandle, migrations Migrations) (bool, error) {
	handle.migrateLock.Lock()
	defer handle.migrateLock.Unlock()

	if err := handle.WhenReady(ctx); err != nil {
		return false, err
	}

	versions := maps.Keys(migrations)
	slices.Sort(versions)
	if len(versions) == 0 {
		return false, nil
	}
	maxVersion := versions[len(versions)-1]

	doc := handle.Doc()
	if doc == nil {
		return false, &NotFoundError{DocumentId: handle.documentId}
	}
	updated := false
	for version := DocumentVersion(doc) + 1; version <= maxVersion; version += 1 {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		migration, ok := migrations[version]
		if !ok {
			return updated, &MigrationError{
				DocumentId: handle.documentId,
				Version:    version,
				Err:        ErrMigrationMissing,
			}
		}
		change, err := migration(ctx, self, doc)
		if err != nil {
			return updated, &MigrationError{
				DocumentId: handle.documentId,
				Version:    version,
				Err:        err,
			}
		}
		err = handle.Change(func(doc map[string]any) error {
			if change != nil {
				if err := change(doc); err != nil {
					return err
				}
			}
			doc[VersionField] = int64(version)
			return nil
		})
		if err != nil {
			return updated, &MigrationError{
				DocumentId: handle.documentId,
				Version:    version,
				Err:        err,
			}
		}
		glog.V(1).Infof("[repo]migrate %s to version %d\n", handle.documentId, version)
		updated = true
		doc = handle.Doc()
	}
	return updated, nil
}

// InitDocument migrates the document, runs the init hook, then subscribes the change callback.
// Returns whether a migration ran and the remove function for the change callback.
func (self *Repo) InitDocument(ctx context.Context, handle *DocHandle, config *DocumentConfig) (bool, func(), error) {
	updated, err := self.Migrate(ctx, handle, config.Migrations)
	if err != nil {
		return updated, nil, err
	}
	if config.OnInit != nil {
		if err := config.OnInit(ctx, handle, handle.Doc()); err != nil {
			return updated, nil, err
		}
	}
	removeCallback := func() {}
	if config.OnChange != nil {
		removeCallback = handle.AddChangeCallback(config.OnChange)
	}
	return updated, removeCallback, nil
}

package account

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/duckduckfit/docsync/repo"
)

type AccountSettings struct {
	SettingsDefaults *SettingsDefaults
}

func DefaultAccountSettings() *AccountSettings {
	return &AccountSettings{
		SettingsDefaults: DefaultSettingsDefaults(),
	}
}

// Account is the set of documents owned by one user, rooted at the user document.
type Account struct {
	repo   *repo.Repo
	device Device

	userDocument *repo.TypedHandle[UserDocument]
	settings     *repo.TypedHandle[Settings]
	user         *repo.TypedHandle[User]
	sync         *repo.TypedHandle[Sync]
}

func BootstrapWithDefaults(ctx context.Context, r *repo.Repo, device Device, existingId repo.DocumentId) (*Account, error) {
	return Bootstrap(ctx, r, device, existingId, DefaultAccountSettings())
}

// Bootstrap creates a new account when `existingId` is zero, otherwise it finds the account.
// Every document is migrated to the current version before it is returned.
// Finding an account that only exists on other devices waits, bounded by `ctx`, for a peer to sync it.
func Bootstrap(ctx context.Context, r *repo.Repo, device Device, existingId repo.DocumentId, settings *AccountSettings) (*Account, error) {
	var userDocumentHandle *repo.DocHandle
	var err error
	if existingId.IsZero() {
		userDocumentHandle, err = r.Create(&UserDocument{})
	} else {
		userDocumentHandle, err = r.Find(ctx, existingId)
	}
	if err != nil {
		return nil, err
	}

	if _, _, err := r.InitDocument(ctx, userDocumentHandle, &repo.DocumentConfig{
		Migrations: userDocumentMigrations(),
	}); err != nil {
		return nil, err
	}
	userDocument := repo.Typed[UserDocument](userDocumentHandle)
	value, err := userDocument.Value()
	if err != nil {
		return nil, err
	}

	initChild := func(documentId repo.DocumentId, migrations repo.Migrations) (*repo.DocHandle, error) {
		handle, err := r.Find(ctx, documentId)
		if err != nil {
			return nil, err
		}
		if _, _, err := r.InitDocument(ctx, handle, &repo.DocumentConfig{
			Migrations: migrations,
		}); err != nil {
			return nil, err
		}
		return handle, nil
	}

	settingsHandle, err := initChild(value.Settings, settingsMigrations(settings.SettingsDefaults))
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	userHandle, err := initChild(value.User, userMigrations())
	if err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	syncHandle, err := initChild(value.Sync, syncMigrations(device.DeviceId(), device.Name()))
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	glog.V(1).Infof("[account]bootstrap %s\n", userDocumentHandle.DocumentId())

	return &Account{
		repo:         r,
		device:       device,
		userDocument: userDocument,
		settings:     repo.Typed[Settings](settingsHandle),
		user:         repo.Typed[User](userHandle),
		sync:         repo.Typed[Sync](syncHandle),
	}, nil
}

func (self *Account) UserDocumentId() repo.DocumentId {
	return self.userDocument.DocumentId()
}

func (self *Account) Device() Device {
	return self.device
}

func (self *Account) UserDocument() *repo.TypedHandle[UserDocument] {
	return self.userDocument
}

func (self *Account) Settings() *repo.TypedHandle[Settings] {
	return self.settings
}

func (self *Account) User() *repo.TypedHandle[User] {
	return self.user
}

func (self *Account) Sync() *repo.TypedHandle[Sync] {
	return self.sync
}

func (self *Account) SetTheme(theme string) error {
	return self.settings.Change(func(settings *Settings) error {
		settings.Theme = theme
		return nil
	})
}

func (self *Account) SetLocale(locale string) error {
	return self.settings.Change(func(settings *Settings) error {
		settings.Locale = locale
		return nil
	})
}

func (self *Account) SetMeasurementSystem(measurementSystem string) error {
	return self.settings.Change(func(settings *Settings) error {
		settings.MeasurementSystem = measurementSystem
		return nil
	})
}

func (self *Account) SetName(name string) error {
	return self.user.Change(func(user *User) error {
		user.Name = name
		return nil
	})
}

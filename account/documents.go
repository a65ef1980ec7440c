package account

import (
	"context"
	"time"

	"github.com/duckduckfit/docsync/repo"
)

// UserDocument is the root document of an account. It links the other documents.
type UserDocument struct {
	Version  int             `json:"version"`
	Settings repo.DocumentId `json:"settings"`
	User     repo.DocumentId `json:"user"`
	Sync     repo.DocumentId `json:"sync"`
}

const (
	ThemeLight = "light"
	ThemeDark  = "dark"
)

const (
	MeasurementSystemMetric   = "metric"
	MeasurementSystemImperial = "imperial"
)

type Settings struct {
	Version           int    `json:"version"`
	Theme             string `json:"theme"`
	Locale            string `json:"locale"`
	MeasurementSystem string `json:"measurementSystem"`
}

type User struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
}

type SyncDevice struct {
	Name string `json:"name"`
	// unix millis
	CreatedAt int64 `json:"createdAt"`
}

// Sync holds the room credentials and the devices of the account.
// It replicates to every device so that all devices meet in the same room.
type Sync struct {
	Version  int                   `json:"version"`
	Room     string                `json:"room"`
	Password string                `json:"password"`
	Devices  map[string]SyncDevice `json:"devices"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func userDocumentMigrations() repo.Migrations {
	return repo.Migrations{
		1: func(ctx context.Context, creator repo.Creator, doc map[string]any) (repo.ChangeFunction, error) {
			settings, err := creator.Create(&Settings{})
			if err != nil {
				return nil, err
			}
			user, err := creator.Create(&User{})
			if err != nil {
				return nil, err
			}
			sync, err := creator.Create(&Sync{})
			if err != nil {
				return nil, err
			}
			return func(doc map[string]any) error {
				doc["settings"] = settings.DocumentId().String()
				doc["user"] = user.DocumentId().String()
				doc["sync"] = sync.DocumentId().String()
				return nil
			}, nil
		},
	}
}

type SettingsDefaults struct {
	Theme             string
	Locale            string
	MeasurementSystem string
}

func DefaultSettingsDefaults() *SettingsDefaults {
	return &SettingsDefaults{
		Theme:             ThemeLight,
		Locale:            "en",
		MeasurementSystem: MeasurementSystemMetric,
	}
}

func settingsMigrations(defaults *SettingsDefaults) repo.Migrations {
	return repo.Migrations{
		1: func(ctx context.Context, creator repo.Creator, doc map[string]any) (repo.ChangeFunction, error) {
			return func(doc map[string]any) error {
				doc["theme"] = defaults.Theme
				doc["locale"] = defaults.Locale
				doc["measurementSystem"] = defaults.MeasurementSystem
				return nil
			}, nil
		},
	}
}

func userMigrations() repo.Migrations {
	return repo.Migrations{
		1: func(ctx context.Context, creator repo.Creator, doc map[string]any) (repo.ChangeFunction, error) {
			return func(doc map[string]any) error {
				if _, ok := doc["name"]; !ok {
					doc["name"] = ""
				}
				return nil
			}, nil
		},
	}
}

// the device that creates the account is its first sync device
func syncMigrations(deviceId string, deviceName string) repo.Migrations {
	return repo.Migrations{
		1: func(ctx context.Context, creator repo.Creator, doc map[string]any) (repo.ChangeFunction, error) {
			return func(doc map[string]any) error {
				doc["devices"] = map[string]any{
					deviceId: map[string]any{
						"name":      deviceName,
						"createdAt": nowMillis(),
					},
				}
				return nil
			}, nil
		},
	}
}

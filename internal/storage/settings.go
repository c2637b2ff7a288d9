package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lossly-go/internal/models"
	"lossly-go/internal/task"
)

// GetSetting decodes the value stored under key into out. It reports false
// when the key is unset.
func (d *Database) GetSetting(ctx context.Context, key string, out interface{}) (bool, error) {
	var s models.Setting
	if err := d.db.WithContext(ctx).First(&s, "\"key\" = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, task.Storage("get setting", err)
	}
	if err := json.Unmarshal([]byte(s.Value), out); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

// SetSetting stores value as JSON under key, replacing any previous value.
func (d *Database) SetSetting(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	s := models.Setting{Key: key, Value: models.JSONText(data)}
	err = d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&s).Error
	if err != nil {
		return task.Storage("set setting", err)
	}
	return nil
}

// AllSettings returns every stored setting as raw JSON keyed by name.
func (d *Database) AllSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	var rows []models.Setting
	if err := d.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, task.Storage("list settings", err)
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		out[r.Key] = json.RawMessage(r.Value)
	}
	return out, nil
}

// ListPresets returns presets newest first.
func (d *Database) ListPresets(ctx context.Context) ([]models.Preset, error) {
	var presets []models.Preset
	if err := d.db.WithContext(ctx).Order("created_at DESC").Find(&presets).Error; err != nil {
		return nil, task.Storage("list presets", err)
	}
	return presets, nil
}

// ReplacePresets swaps the stored presets for the given set in one transaction.
func (d *Database) ReplacePresets(ctx context.Context, presets []models.Preset) error {
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.Preset{}).Error; err != nil {
			return err
		}
		for i := range presets {
			if presets[i].ID == "" {
				presets[i].ID = uuid.New().String()
			}
			if err := tx.Create(&presets[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return task.Storage("replace presets", err)
	}
	return nil
}

// AddPreset inserts a preset, assigning an id when missing.
func (d *Database) AddPreset(ctx context.Context, preset *models.Preset) error {
	if preset.ID == "" {
		preset.ID = uuid.New().String()
	}
	if err := d.db.WithContext(ctx).Create(preset).Error; err != nil {
		return task.Storage("add preset", err)
	}
	return nil
}

// DeletePreset removes one preset.
func (d *Database) DeletePreset(ctx context.Context, id string) error {
	res := d.db.WithContext(ctx).Delete(&models.Preset{}, "id = ?", id)
	if res.Error != nil {
		return task.Storage("delete preset", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: preset %s", ErrNotFound, id)
	}
	return nil
}

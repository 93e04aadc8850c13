package multistore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultModel labels stores created without naming the entity model they
// serve.
const DefaultModel = "generic"

// StoreMeta is persisted next to each store's database in meta.yaml.
type StoreMeta struct {
	Created      time.Time `yaml:"created"`
	LastAccessed time.Time `yaml:"last_accessed"`
	// Model names the entity model the store serves, e.g. "northwind".
	Model       string `yaml:"model,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// StoreInfo summarises one store for listings.
type StoreInfo struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	Description  string    `json:"description,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
}

// NewStoreMeta creates metadata for a new store.
func NewStoreMeta(model, description string) *StoreMeta {
	if model == "" {
		model = DefaultModel
	}
	now := time.Now().UTC()
	return &StoreMeta{
		Created:      now,
		LastAccessed: now,
		Model:        model,
		Description:  description,
	}
}

// LoadStoreMeta reads store metadata. Files written before the model field
// existed load with DefaultModel.
func LoadStoreMeta(path string) (*StoreMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta StoreMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse store metadata: %w", err)
	}
	if meta.Model == "" {
		meta.Model = DefaultModel
	}
	return &meta, nil
}

// SaveStoreMeta writes store metadata.
func SaveStoreMeta(path string, meta *StoreMeta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal store metadata: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

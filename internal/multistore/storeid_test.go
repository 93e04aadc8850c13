package multistore

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateStoreID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"default", true},
		{"northwind", true},
		{"org/project", true},
		{"a/b/c/d", true},
		{"my-org/todos-2", true},
		{"a", true},
		{"", false},
		{"a/b/c/d/e", false},
		{"Northwind", false},
		{"-leading", false},
		{"trailing-", false},
		{"org//project", false},
		{"../escape", false},
		{"under_score", false},
		{strings.Repeat("a", MaxStoreIDLength+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateStoreID(tt.id)
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidStoreID) {
				t.Errorf("expected ErrInvalidStoreID, got %v", err)
			}
		})
	}
}

func TestIsDefaultStore(t *testing.T) {
	if !IsDefaultStore("default") {
		t.Error("default should be the default store")
	}
	if IsDefaultStore("northwind") {
		t.Error("northwind should not be the default store")
	}
}

package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"eddisonso.com/litfinder/internal/config"
	"eddisonso.com/litfinder/internal/store"
)

func TestRun_ReturnsStartupErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing config", []string{"-config", filepath.Join(t.TempDir(), "absent.yaml")}, "failed to load config"},
		{"bad backend", []string{"-store", "floppy"}, "invalid config"},
		{"unknown flag", []string{"-verbose"}, "verbose"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	ctx := context.Background()
	st, closeStore, err := openStore(ctx, config.StoreConfig{
		Backend:    config.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "litfinder.db"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeStore()

	id, err := st.Create(ctx, store.Events, store.Document{"name": "Rooftop"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, err := st.Get(ctx, store.Events, id)
	if err != nil || doc["name"] != "Rooftop" {
		t.Fatalf("unexpected document %v, %v", doc, err)
	}
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	if _, _, err := openStore(context.Background(), config.StoreConfig{Backend: "floppy"}); err == nil {
		t.Fatal("expected an error")
	}
}

package main

import (
	"fmt"

	"github.com/michaelbrown/termrun/internal/compiler"
	"github.com/michaelbrown/termrun/internal/config"
	"github.com/michaelbrown/termrun/internal/session"
	"github.com/michaelbrown/termrun/internal/storage"
	"github.com/michaelbrown/termrun/internal/storage/sqlite"
	"github.com/michaelbrown/termrun/internal/workspace"
)

// newManager wires the session core from config. store may be nil.
func newManager(cfg *config.Config, store storage.Store) (*session.Manager, error) {
	compilers, err := compiler.NewSetFromOptions(cfg.CompilerOptions())
	if err != nil {
		return nil, fmt.Errorf("configuring compilers: %w", err)
	}

	var opts []session.Option
	if store != nil {
		opts = append(opts, session.WithStore(store))
	}
	return session.NewManager(cfg.Session, compilers, workspace.New(cfg.Workspace.Dir), opts...), nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if !cfg.Storage.Enabled {
		return nil, fmt.Errorf("run history is disabled (storage.enabled: false)")
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

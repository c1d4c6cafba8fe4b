package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/colloquyhq/colloquy/pkg/vectorstore"
)

// MigrateLegacyCollections renames knowledge collections created before the
// "u_" naming convention ("{tenant}_persona_{id}_rag") to the current
// "u_"-prefixed form. It is idempotent and safe to run on every startup; a
// legacy collection whose target name already exists is left alone and
// reported in the returned skipped list.
func MigrateLegacyCollections(ctx context.Context, store vectorstore.Store, logger *slog.Logger) (migrated, skipped []string, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	names, err := store.ListCollections(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("rag: migrate collections: %w", err)
	}
	existing := make(map[string]bool, len(names))
	for _, name := range names {
		existing[name] = true
	}

	for _, name := range names {
		if strings.HasPrefix(name, "u_") {
			continue
		}
		if !strings.HasSuffix(name, "_rag") || !strings.Contains(name, "_persona_") {
			continue
		}
		target := "u_" + name
		if existing[target] {
			logger.Warn("legacy collection skipped, target already exists",
				"collection", name, "target", target)
			skipped = append(skipped, name)
			continue
		}
		if err := store.RenameCollection(ctx, name, target); err != nil {
			return migrated, skipped, fmt.Errorf("rag: migrate %s: %w", name, err)
		}
		existing[target] = true
		migrated = append(migrated, name)
		logger.Info("migrated legacy collection", "from", name, "to", target)
	}
	return migrated, skipped, nil
}

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/protocolbuffers/txtpbfmt/parser"
	"golang.org/x/xerrors"
)

// WriteSummaries regenerates the human-readable <admin>/rules and
// <admin>/config files; it does not write <admin>/matching or
// <admin>/manifest. Each is
// formatted with txtpbfmt (a pure text formatter, not a compiled-proto-
// schema tool; see DESIGN.md) and written atomically via renameio.
func (s *Store) WriteSummaries(ctx context.Context, adminDir string, ruleNames []string, matchGen uint64) error {
	var rules strings.Builder
	for _, n := range ruleNames {
		fmt.Fprintf(&rules, "rule {\n  name: %q\n}\n", n)
	}
	formatted, err := parser.Format([]byte(rules.String()))
	if err != nil {
		return xerrors.Errorf("formatting rules summary: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(adminDir, "rules"), formatted, 0644); err != nil {
		return xerrors.Errorf("writing rules summary: %w", err)
	}

	config := fmt.Sprintf("match_gen: %d\n", matchGen)
	formattedConfig, err := parser.Format([]byte(config))
	if err != nil {
		return xerrors.Errorf("formatting config summary: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(adminDir, "config"), formattedConfig, 0644); err != nil {
		return xerrors.Errorf("writing config summary: %w", err)
	}
	return nil
}

// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package kstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// evidenceMarkdownFile is the optional evidence export named in spec §6
// "persisted artifacts under the workspace".
const evidenceMarkdownFile = "EVIDENCE.md"

// redactionReportFile is the on-disk audit report named in spec §4.3.
const redactionReportFile = "redaction-report.yaml"

// ExportEvidenceMarkdown writes every stored evidence entry, grouped by
// entity, to <workspace>/.librarian/EVIDENCE.md. Stale entries are called
// out so a reader can tell which claims no longer match live source.
func (s *Store) ExportEvidenceMarkdown() (string, error) {
	entries, err := s.Evidence.ListAll(nil)
	if err != nil {
		return "", fmt.Errorf("kstore: export evidence: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Evidence\n\n")

	var currentEntity string
	for _, e := range entries {
		key := fmt.Sprintf("%s:%s", e.EntityType, e.EntityID)
		if key != currentEntity {
			currentEntity = key
			fmt.Fprintf(&b, "## %s (%s)\n\n", e.EntityID, e.EntityType)
		}
		status := "verified"
		if e.Stale {
			status = "stale"
		}
		fmt.Fprintf(&b, "- **%s** — %s:%d-%d [%s]\n\n  %s\n\n  > %s\n\n",
			e.Claim, e.FilePath, e.LineStart, e.LineEnd, status, e.Snippet, e.ContentHash)
	}

	path := filepath.Join(s.cfg.WorkspaceRoot, artifactsDirName, evidenceMarkdownFile)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("kstore: export evidence: write: %w", err)
	}
	return path, nil
}

// FlushRedactionReport snapshots the store's redaction counters to
// <workspace>/.librarian/redaction-report.yaml (spec §4.3 "flushed to an
// audit report on disk").
func (s *Store) FlushRedactionReport() (string, error) {
	report := s.Redactor.BuildReport(s.cfg.WorkspaceRoot)
	enc, err := yaml.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("kstore: flush redaction report: marshal: %w", err)
	}
	path := filepath.Join(s.cfg.WorkspaceRoot, artifactsDirName, redactionReportFile)
	if err := os.WriteFile(path, enc, 0o644); err != nil {
		return "", fmt.Errorf("kstore: flush redaction report: write: %w", err)
	}
	return path, nil
}

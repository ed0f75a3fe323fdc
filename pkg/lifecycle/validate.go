/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package lifecycle

import (
	"os"
	"path/filepath"
	"strings"
)

// Validation issue types, shared by folder.validate and folder.add.
const (
	IssueNotExists        = "not_exists"
	IssueNotDirectory     = "not_directory"
	IssueDuplicate        = "duplicate"
	IssueSubfolder        = "subfolder"
	IssuePermissionDenied = "permission_denied"
	IssueAncestor         = "ancestor"
)

type ValidationIssue struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	// AffectedFolders lists the existing folders an ancestor warning
	// covers.
	AffectedFolders []string `json:"affectedFolders,omitempty"`
}

type ValidationResult struct {
	// Path is the canonicalized path the checks ran against.
	Path     string
	Valid    bool
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

// Canonicalize makes a path absolute, resolves symlinks and strips any
// trailing separator, so equality and containment checks are exact.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Leave a nonexistent path cleaned but unresolved; the existence
		// check reports it properly.
		if os.IsNotExist(err) {
			return filepath.Clean(abs), nil
		}
		return "", err
	}
	return filepath.Clean(resolved), nil
}

// isProperDescendant reports whether path sits strictly below root,
// comparing at path-separator boundaries so /a/bc is not inside /a/b.
func isProperDescendant(path, root string) bool {
	if path == root {
		return false
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(path, root) && path != root
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// ValidatePath runs the folder admission rules for path against the set
// of already indexed folders. Errors block the add; the ancestor warning
// does not.
func ValidatePath(path string, existing []string) ValidationResult {
	canonical, err := Canonicalize(path)
	if err != nil {
		return ValidationResult{
			Path:   path,
			Errors: []ValidationIssue{{Type: IssuePermissionDenied, Message: err.Error()}},
		}
	}
	result := ValidationResult{Path: canonical}

	info, err := os.Stat(canonical)
	switch {
	case os.IsNotExist(err):
		result.Errors = append(result.Errors, ValidationIssue{
			Type:    IssueNotExists,
			Message: "path does not exist: " + canonical,
		})
	case os.IsPermission(err):
		result.Errors = append(result.Errors, ValidationIssue{
			Type:    IssuePermissionDenied,
			Message: "cannot access path: " + canonical,
		})
	case err != nil:
		result.Errors = append(result.Errors, ValidationIssue{
			Type:    IssuePermissionDenied,
			Message: err.Error(),
		})
	case !info.IsDir():
		result.Errors = append(result.Errors, ValidationIssue{
			Type:    IssueNotDirectory,
			Message: "path is not a directory: " + canonical,
		})
	default:
		// Readability check: an unreadable directory fails later anyway,
		// better to reject it up front.
		if f, err := os.Open(canonical); err != nil {
			result.Errors = append(result.Errors, ValidationIssue{
				Type:    IssuePermissionDenied,
				Message: "cannot read directory: " + canonical,
			})
		} else {
			f.Close()
		}
	}

	var covered []string
	for _, other := range existing {
		switch {
		case other == canonical:
			result.Errors = append(result.Errors, ValidationIssue{
				Type:    IssueDuplicate,
				Message: "folder is already indexed: " + canonical,
			})
		case isProperDescendant(canonical, other):
			result.Errors = append(result.Errors, ValidationIssue{
				Type:    IssueSubfolder,
				Message: "path is inside already indexed folder " + other,
			})
		case isProperDescendant(other, canonical):
			covered = append(covered, other)
		}
	}
	if len(covered) > 0 {
		result.Warnings = append(result.Warnings, ValidationIssue{
			Type:            IssueAncestor,
			Message:         "path contains already indexed folders",
			AffectedFolders: covered,
		})
	}

	result.Valid = len(result.Errors) == 0
	return result
}

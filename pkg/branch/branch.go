// SPDX-License-Identifier: Apache-2.0

// Package branch implements schema-based database branches: lightweight
// copies of a base schema with their own lifecycle, quotas and cleanup
// policy.
package branch

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a branch.
type Status string

const (
	StatusActive    Status = "active"
	StatusStale     Status = "stale"
	StatusProtected Status = "protected"
	StatusDeleting  Status = "deleting"
)

// DefaultSchemaPrefix is prepended to the slug to form the physical schema
// namespace.
const DefaultSchemaPrefix = "branch_"

// maxSlugLen bounds derived slugs. Physical schema names stay within the
// 63-byte identifier limit with the prefix applied.
const maxSlugLen = 50

// reservedSlugs can never name a branch; they collide with built-in schemas
// or routing keywords.
var reservedSlugs = map[string]struct{}{
	"main":               {},
	"public":             {},
	"postgres":           {},
	"information_schema": {},
}

// Branch is one row of the branch metadata registry.
type Branch struct {
	ID             string
	Slug           string
	Name           string
	SchemaName     string
	ParentBranchID string
	Status         Status
	IsProtected    bool

	CreatedAt      time.Time
	LastAccessedAt time.Time
	DeletedAt      *time.Time

	MigrationCount int
	TableCount     int
	StorageBytes   int64

	AutoDeleteDays int
	CopyData       bool
	PIIMasking     bool

	GitBranch string
	PRNumber  int
	PRURL     string
	CreatedBy string
}

var (
	slugRe        = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	nonSlugRunRe  = regexp.MustCompile(`[^a-z0-9]+`)
	schemaCharsRe = regexp.MustCompile(`[^a-z0-9_]+`)
)

// IsReservedSlug reports whether the slug collides with a reserved name.
// Dashed forms count too, so "information-schema" is as reserved as
// "information_schema".
func IsReservedSlug(slug string) bool {
	if _, ok := reservedSlugs[slug]; ok {
		return true
	}
	_, ok := reservedSlugs[strings.ReplaceAll(slug, "-", "_")]
	return ok
}

// ValidSlug reports whether an explicitly provided slug is acceptable:
// lowercase kebab-case, at most 63 characters, not reserved.
func ValidSlug(slug string) bool {
	return slug != "" && len(slug) <= 63 && slugRe.MatchString(slug) && !IsReservedSlug(slug)
}

// Slugify derives a slug from a human name: lowercase, runs of characters
// outside [a-z0-9] collapse to a single dash, leading/trailing dashes are
// trimmed, and the result is truncated to 50 characters. Empty or reserved
// results get a short random suffix.
func Slugify(name string) string {
	s := strings.ToLower(name)
	s = nonSlugRunRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	if s == "" || IsReservedSlug(s) {
		if s == "" {
			s = "branch"
		}
		s = s + "-" + randomSuffix()
	}
	return s
}

// SchemaNameFor maps a slug to its physical schema namespace: the prefix
// plus the slug with dashes replaced by underscores.
func SchemaNameFor(prefix, slug string) string {
	name := prefix + strings.ReplaceAll(slug, "-", "_")
	return schemaCharsRe.ReplaceAllString(name, "_")
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

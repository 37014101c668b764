package domain

import (
	"path"
	"strings"
)

// System field names injected into every indexed meta document. They are
// never taken from the source file: injected values overwrite same-named
// user fields so a document cannot spoof its own provenance.
const (
	FieldBranch  = "branch"
	FieldPath    = "path"
	FieldCreated = "created_at"
	FieldUpdated = "updated_at"
)

// SystemFields lists the injected field names in a stable order.
var SystemFields = []string{FieldBranch, FieldPath, FieldCreated, FieldUpdated}

// IsSystemField reports whether name is one of the injected fields.
func IsSystemField(name string) bool {
	switch name {
	case FieldBranch, FieldPath, FieldCreated, FieldUpdated:
		return true
	}
	return false
}

// Entry is the indexed representation of a meta document. Keys are the
// document's own fields plus the injected system fields.
type Entry map[string]any

// DeriveIdentity returns the index identity for a meta document at the
// given repository-relative file path. Identity is the containing
// directory, so one directory holds at most one document per collection
// and re-indexing the same directory updates in place.
func DeriveIdentity(filePath string) string {
	dir := path.Dir(strings.Trim(filePath, "/"))
	if dir == "." {
		return "/"
	}
	return dir
}

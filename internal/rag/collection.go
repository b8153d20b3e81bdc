package rag

import (
	"fmt"
	"strings"
)

// maxCollectionName is PostgreSQL's identifier length limit.
const maxCollectionName = 63

// CollectionName derives the retrieval collection for a persona. It is a
// pure function of (owner, personaID); the collection exists iff the
// persona has ingested at least one document.
func CollectionName(owner, personaID string) (string, error) {
	name := fmt.Sprintf("%s_persona_%s_rag", strings.ToLower(owner), strings.ToLower(personaID))
	if err := ValidateCollectionName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ValidateCollectionName checks that name is a safe ASCII identifier that
// can be used as a table name. Collection names are interpolated into DDL
// (quoted), so the character set is restricted defensively anyway.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("rag: collection name is empty")
	}
	if len(name) > maxCollectionName {
		return fmt.Errorf("rag: collection name %q exceeds %d bytes", name, maxCollectionName)
	}
	if name[0] >= '0' && name[0] <= '9' {
		return fmt.Errorf("rag: collection name %q must not start with a digit", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return fmt.Errorf("rag: collection name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

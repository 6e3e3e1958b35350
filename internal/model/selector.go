package model

import (
	"fmt"

	"github.com/google/uuid"
)

// TagSelector addresses one tag. Each level is either an explicit version or
// the latest one available at read time.
type TagSelector struct {
	ObjectID      uuid.UUID `json:"object_id"`
	ObjectVersion int       `json:"object_version,omitempty"`
	LatestObject  bool      `json:"latest_object,omitempty"`
	TagVersion    int       `json:"tag_version,omitempty"`
	LatestTag     bool      `json:"latest_tag,omitempty"`
}

// SelectTag selects an explicit object version and tag version
func SelectTag(id uuid.UUID, objectVersion, tagVersion int) TagSelector {
	return TagSelector{ObjectID: id, ObjectVersion: objectVersion, TagVersion: tagVersion}
}

// SelectLatestTag selects the latest tag of an explicit object version
func SelectLatestTag(id uuid.UUID, objectVersion int) TagSelector {
	return TagSelector{ObjectID: id, ObjectVersion: objectVersion, LatestTag: true}
}

// SelectLatestVersion selects the latest tag of the latest object version
func SelectLatestVersion(id uuid.UUID) TagSelector {
	return TagSelector{ObjectID: id, LatestObject: true, LatestTag: true}
}

// IsExplicit reports whether the selector names fixed coordinates. Tags at
// explicit coordinates never change once committed.
func (s TagSelector) IsExplicit() bool {
	return !s.LatestObject && !s.LatestTag
}

func (s TagSelector) String() string {
	objectVersion := "latest"
	if !s.LatestObject {
		objectVersion = fmt.Sprintf("%d", s.ObjectVersion)
	}
	tagVersion := "latest"
	if !s.LatestTag {
		tagVersion = fmt.Sprintf("%d", s.TagVersion)
	}
	return fmt.Sprintf("%s:v%s:t%s", s.ObjectID, objectVersion, tagVersion)
}

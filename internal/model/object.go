package model

import (
	"fmt"
	"strings"
)

const (
	// PreallocatedVersion marks an object id that is reserved but has no definition yet
	PreallocatedVersion = 0
	// ObjectFirstVersion is the version number of the first definition of an object
	ObjectFirstVersion = 1
	// TagFirstVersion is the first tag version of every definition version
	TagFirstVersion = 1
)

// ObjectType identifies the kind of a versioned object
type ObjectType string

const (
	ObjectTypeNotSet   ObjectType = "OBJECT_TYPE_NOT_SET"
	ObjectTypeData     ObjectType = "DATA"
	ObjectTypeModel    ObjectType = "MODEL"
	ObjectTypeFlow     ObjectType = "FLOW"
	ObjectTypeJob      ObjectType = "JOB"
	ObjectTypeFile     ObjectType = "FILE"
	ObjectTypeCustom   ObjectType = "CUSTOM"
	ObjectTypeStorage  ObjectType = "STORAGE"
	ObjectTypeSchema   ObjectType = "SCHEMA"
	ObjectTypeResult   ObjectType = "RESULT"
	ObjectTypeConfig   ObjectType = "CONFIG"
	ObjectTypeResource ObjectType = "RESOURCE"
)

var objectTypes = []ObjectType{
	ObjectTypeData,
	ObjectTypeModel,
	ObjectTypeFlow,
	ObjectTypeJob,
	ObjectTypeFile,
	ObjectTypeCustom,
	ObjectTypeStorage,
	ObjectTypeSchema,
	ObjectTypeResult,
	ObjectTypeConfig,
	ObjectTypeResource,
}

func (t ObjectType) String() string {
	return string(t)
}

// IsValid reports whether t is a concrete object type that can be stored
func (t ObjectType) IsValid() bool {
	for _, known := range objectTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseObjectType converts a case-insensitive name into an ObjectType
func ParseObjectType(name string) (ObjectType, error) {
	t := ObjectType(strings.ToUpper(strings.TrimSpace(name)))
	if !t.IsValid() {
		return ObjectTypeNotSet, fmt.Errorf("unknown object type: %q", name)
	}
	return t, nil
}

// ObjectState is the lifecycle state of an object identity row
type ObjectState string

const (
	// ObjectStatePreallocated indicates a reserved id with no definition yet
	ObjectStatePreallocated ObjectState = "PREALLOCATED"
	// ObjectStateActive indicates an object with at least one definition version
	ObjectStateActive ObjectState = "ACTIVE"
)

// Tenant is an isolated metadata namespace
type Tenant struct {
	Code        string
	Key         int16
	Description string
}

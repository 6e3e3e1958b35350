package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/model"
	"github.com/google/uuid"
)

const (
	MaxTenantCodeSize = 64
	MaxAttrNameSize   = 256
	MaxAttrsPerTag    = 1000
	MaxStringAttrSize = 64 * 1024        // 64 KB
	MaxDefinitionSize = 16 * 1024 * 1024 // 16 MB
	MaxBatchSize      = 1000
	MaxTypeURLSize    = 2048
)

// Limits holds the size limits enforced by a Validator
type Limits struct {
	MaxBatchSize      int
	MaxDefinitionSize int
	MaxAttrsPerTag    int
}

// DefaultLimits returns the built-in limits
func DefaultLimits() Limits {
	return Limits{
		MaxBatchSize:      MaxBatchSize,
		MaxDefinitionSize: MaxDefinitionSize,
		MaxAttrsPerTag:    MaxAttrsPerTag,
	}
}

// Validator validates metadata operations before they reach the store
type Validator struct {
	limits Limits
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{limits: DefaultLimits()}
}

// NewValidatorWithLimits creates a validator with custom limits. Zero fields
// fall back to the defaults.
func NewValidatorWithLimits(limits Limits) *Validator {
	defaults := DefaultLimits()
	if limits.MaxBatchSize <= 0 {
		limits.MaxBatchSize = defaults.MaxBatchSize
	}
	if limits.MaxDefinitionSize <= 0 {
		limits.MaxDefinitionSize = defaults.MaxDefinitionSize
	}
	if limits.MaxAttrsPerTag <= 0 {
		limits.MaxAttrsPerTag = defaults.MaxAttrsPerTag
	}
	return &Validator{limits: limits}
}

// ValidateTenantCode validates a tenant code. Codes start with a letter and
// contain only letters, digits, '_' and '-'.
func ValidateTenantCode(code string) error {
	if code == "" {
		return errors.InvalidArgument("tenant code cannot be empty", nil)
	}
	if len(code) > MaxTenantCodeSize {
		return errors.InvalidArgument(fmt.Sprintf("tenant code exceeds maximum size of %d bytes", MaxTenantCodeSize), nil).
			WithDetail("tenant", code)
	}
	for i, r := range code {
		if r > unicode.MaxASCII {
			return errors.InvalidArgument("tenant code must be ASCII", nil).WithDetail("tenant", code)
		}
		if i == 0 && !unicode.IsLetter(r) {
			return errors.InvalidArgument("tenant code must start with a letter", nil).WithDetail("tenant", code)
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return errors.InvalidArgument(fmt.Sprintf("tenant code contains invalid character %q", r), nil).
				WithDetail("tenant", code)
		}
	}
	return nil
}

// ValidateTenant validates a tenant code received with a request
func (v *Validator) ValidateTenant(code string) error {
	return ValidateTenantCode(code)
}

// ValidateBatchSize rejects batches above the configured limit
func (v *Validator) ValidateBatchSize(size int) error {
	if size > v.limits.MaxBatchSize {
		return errors.InvalidArgument(
			fmt.Sprintf("batch size %d exceeds maximum %d", size, v.limits.MaxBatchSize), nil).
			WithDetail("batch_size", size)
	}
	return nil
}

// ValidateNewObject validates a tag that creates a new object, either from
// scratch or by materializing a preallocated id
func (v *Validator) ValidateNewObject(tag *model.Tag) error {
	if err := v.validateTagCommon(tag); err != nil {
		return err
	}
	if tag.Header.ObjectVersion != model.ObjectFirstVersion {
		return errors.InvalidArgument(
			fmt.Sprintf("new object %s must have version %d, got %d",
				tag.Header.ObjectID, model.ObjectFirstVersion, tag.Header.ObjectVersion), nil)
	}
	if tag.Header.TagVersion != model.TagFirstVersion {
		return errors.InvalidArgument(
			fmt.Sprintf("new object %s must have tag version %d, got %d",
				tag.Header.ObjectID, model.TagFirstVersion, tag.Header.TagVersion), nil)
	}
	return v.validateDefinition(tag)
}

// ValidateNewVersion validates a tag that adds a definition version
func (v *Validator) ValidateNewVersion(tag *model.Tag) error {
	if err := v.validateTagCommon(tag); err != nil {
		return err
	}
	if tag.Header.ObjectVersion < model.ObjectFirstVersion {
		return errors.InvalidArgument(
			fmt.Sprintf("invalid object version %d for %s", tag.Header.ObjectVersion, tag.Header.ObjectID), nil)
	}
	if tag.Header.TagVersion != model.TagFirstVersion {
		return errors.InvalidArgument(
			fmt.Sprintf("new version of %s must have tag version %d, got %d",
				tag.Header.ObjectID, model.TagFirstVersion, tag.Header.TagVersion), nil)
	}
	return v.validateDefinition(tag)
}

// ValidateNewTag validates a tag that adds a tag version to an existing
// definition version. The payload is not required.
func (v *Validator) ValidateNewTag(tag *model.Tag) error {
	if err := v.validateTagCommon(tag); err != nil {
		return err
	}
	if tag.Header.ObjectVersion < model.ObjectFirstVersion {
		return errors.InvalidArgument(
			fmt.Sprintf("invalid object version %d for %s", tag.Header.ObjectVersion, tag.Header.ObjectID), nil)
	}
	if tag.Header.TagVersion < model.TagFirstVersion {
		return errors.InvalidArgument(
			fmt.Sprintf("invalid tag version %d for %s", tag.Header.TagVersion, tag.Header.ObjectID), nil)
	}
	return nil
}

// ValidateObjectType validates a type used for preallocation
func (v *Validator) ValidateObjectType(objectType model.ObjectType) error {
	if !objectType.IsValid() {
		return errors.InvalidArgument(fmt.Sprintf("invalid object type: %q", objectType), nil)
	}
	return nil
}

// ValidateObjectIDs rejects nil ids and ids repeated inside one batch
func (v *Validator) ValidateObjectIDs(ids []uuid.UUID) error {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			return errors.InvalidArgument("object id cannot be empty", nil)
		}
		if _, dup := seen[id]; dup {
			return errors.DuplicateObject(fmt.Sprintf("object id appears more than once in batch: %s", id), nil).
				WithDetail("object_id", id.String())
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ValidateSelector validates a read selector
func (v *Validator) ValidateSelector(selector model.TagSelector) error {
	if selector.ObjectID == uuid.Nil {
		return errors.InvalidArgument("selector object id cannot be empty", nil)
	}
	if !selector.LatestObject && selector.ObjectVersion < model.ObjectFirstVersion {
		return errors.InvalidArgument(
			fmt.Sprintf("invalid object version %d in selector %s", selector.ObjectVersion, selector), nil)
	}
	if !selector.LatestTag && selector.TagVersion < model.TagFirstVersion {
		return errors.InvalidArgument(
			fmt.Sprintf("invalid tag version %d in selector %s", selector.TagVersion, selector), nil)
	}
	return nil
}

func (v *Validator) validateTagCommon(tag *model.Tag) error {
	if tag == nil {
		return errors.InvalidArgument("tag cannot be nil", nil)
	}
	if tag.Header.ObjectID == uuid.Nil {
		return errors.InvalidArgument("object id cannot be empty", nil)
	}
	if !tag.Header.ObjectType.IsValid() {
		return errors.InvalidArgument(
			fmt.Sprintf("invalid object type %q for %s", tag.Header.ObjectType, tag.Header.ObjectID), nil)
	}
	return v.ValidateAttrs(tag.Attrs)
}

func (v *Validator) validateDefinition(tag *model.Tag) error {
	def := tag.Definition
	if def == nil || def.GetTypeUrl() == "" {
		return errors.InvalidArgument(fmt.Sprintf("definition of %s is missing", tag.Header.ObjectID), nil)
	}
	if len(def.GetTypeUrl()) > MaxTypeURLSize {
		return errors.InvalidArgument(fmt.Sprintf("definition type url exceeds maximum size of %d", MaxTypeURLSize), nil)
	}
	if len(def.GetValue()) > v.limits.MaxDefinitionSize {
		return errors.InvalidArgument(
			fmt.Sprintf("definition size %d exceeds maximum %d", len(def.GetValue()), v.limits.MaxDefinitionSize), nil).
			WithDetail("object_id", tag.Header.ObjectID.String())
	}
	return nil
}

// ValidateAttrs validates attribute names and values
func (v *Validator) ValidateAttrs(attrs map[string]model.Value) error {
	if len(attrs) > v.limits.MaxAttrsPerTag {
		return errors.InvalidArgument(
			fmt.Sprintf("tag has too many attributes: %d > %d", len(attrs), v.limits.MaxAttrsPerTag), nil)
	}

	for name, value := range attrs {
		if err := ValidateAttrName(name); err != nil {
			return err
		}
		if err := value.Validate(); err != nil {
			return errors.InvalidArgument(fmt.Sprintf("invalid value for attribute %q", name), err)
		}
		if value.Type == model.BasicTypeString {
			if err := validateStringAttr(name, value.String); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateStringAttr rejects strings that neither Postgres text columns nor
// the JSON tag cache can store unchanged.
func validateStringAttr(name, value string) error {
	if len(value) > MaxStringAttrSize {
		return errors.InvalidArgument(
			fmt.Sprintf("attribute %q exceeds maximum size of %d bytes", name, MaxStringAttrSize), nil)
	}
	if !utf8.ValidString(value) {
		return errors.InvalidArgument(fmt.Sprintf("attribute %q is not valid UTF-8", name), nil)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return errors.InvalidArgument(fmt.Sprintf("attribute %q contains a NUL byte", name), nil)
	}
	return nil
}

// ValidateAttrName validates a single attribute name
func ValidateAttrName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.InvalidArgument("attribute name cannot be empty", nil)
	}
	if len(name) > MaxAttrNameSize {
		return errors.InvalidArgument(
			fmt.Sprintf("attribute name exceeds maximum size of %d bytes", MaxAttrNameSize), nil)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("attribute name cannot contain control characters", nil)
		}
	}
	return nil
}

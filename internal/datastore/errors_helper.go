package datastore

import (
	stderrors "errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/tphakala/trafficsat/internal/errors"
)

// dbError creates a categorized database error with context pairs.
func dbError(err error, operation, priority string, context ...any) error {
	category := errors.CategoryDatabase
	switch {
	case stderrors.Is(err, gorm.ErrRecordNotFound):
		category = errors.CategoryNotFound
	case stderrors.Is(err, gorm.ErrDuplicatedKey):
		category = errors.CategoryConflict
	}

	builder := errors.New(err).
		Component("datastore").
		Category(category).
		Context("operation", operation)

	if priority != "" {
		builder = builder.Priority(priority)
	}

	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}

	return builder.Build()
}

// validationError creates a validation error for bad arguments or settings.
func validationError(message, field string, value any) error {
	return errors.Newf("%s", message).
		Component("datastore").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", fmt.Sprintf("%v", value)).
		Build()
}

// stateError creates a state error, used for illegal status transitions.
func stateError(message, operation string, context ...any) error {
	builder := errors.Newf("%s", message).
		Component("datastore").
		Category(errors.CategoryState).
		Context("operation", operation)

	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}
	return builder.Build()
}

// notFoundError reports a missing satellite image.
func notFoundError(imageID, operation string) error {
	return errors.Newf("satellite image %q not found", imageID).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("operation", operation).
		Context("image_id", imageID).
		Build()
}

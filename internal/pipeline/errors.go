package pipeline

import (
	"github.com/tphakala/trafficsat/internal/errors"
)

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component("pipeline").
		Category(errors.CategoryConfiguration).
		Build()
}

// persistenceError keeps the category of store errors that already carry
// one (state, not-found) and marks the rest as database errors.
func persistenceError(err error, operation, imageID string) error {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return err
	}
	return errors.New(err).
		Component("pipeline").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Context("image_id", imageID).
		Build()
}

// ensureCategory wraps err in category unless it is already categorized.
func ensureCategory(err error, category errors.ErrorCategory) error {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return err
	}
	return errors.New(err).
		Component("pipeline").
		Category(category).
		Build()
}

// categoryOf returns the category of the first categorized error in err.
func categoryOf(err error) string {
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return ee.GetCategory()
	}
	return string(errors.CategoryGeneric)
}

package changelog

import (
	"fmt"

	"github.com/iota-uz/hierarchy/pkg/serrors"
)

var ErrInvalidConfig = serrors.NewError("CHANGELOG_INVALID_CONFIG", "invalid changelog configuration", "")

func invalidConfig(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidConfig}, args...)...)
}

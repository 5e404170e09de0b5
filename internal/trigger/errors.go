package trigger

import (
	"errors"
	"fmt"

	"github.com/shaiso/flowq/internal/engine"
	"github.com/shaiso/flowq/internal/mq"
)

func isInvalid(err error) bool {
	return errors.Is(err, engine.ErrInvalidSpec)
}

func errPermanent(err error) error {
	return fmt.Errorf("%w: %w", mq.ErrPermanent, err)
}

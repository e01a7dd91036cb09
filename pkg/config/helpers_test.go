package config

import (
	"errors"

	"github.com/metasim/metasim/pkg/engine"
)

func asEngineError(err error, target **engine.EngineError) bool {
	return errors.As(err, target)
}

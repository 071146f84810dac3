package transport

import (
	"fmt"

	"github.com/mcpforge/aggregator/internal/config"
	"github.com/mcpforge/aggregator/internal/mcperrors"
)

func unsupportedKindError(name string, kind config.TransportKind) error {
	return mcperrors.New(mcperrors.KindConfig, name, "connect", fmt.Errorf("unsupported transport kind %q", kind))
}

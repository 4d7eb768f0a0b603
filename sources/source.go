package sources

import (
	"context"

	"github.com/artie-labs/capture/writers"
)

type Source interface {
	Close() error
	Run(ctx context.Context, writer writers.Writer) error
}

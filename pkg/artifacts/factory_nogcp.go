//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func openGCS(context.Context, Options) (Store, error) {
	return nil, fmt.Errorf("artifacts: gcs backend requires the gcp build tag")
}

package block

import (
	"context"

	"github.com/seantiz/kiln/internal/jobctx"
	"github.com/seantiz/kiln/internal/model"
)

// Echo returns a block whose output is its config. It accepts any keys.
func Echo() Block {
	return Block{
		Name:        "echo",
		Description: "returns the submitted config as output",
		Run: func(_ context.Context, jc *jobctx.Context) (model.Values, error) {
			return jc.Config(), nil
		},
	}
}

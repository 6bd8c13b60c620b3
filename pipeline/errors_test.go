package pipeline

import (
	"errors"
	"testing"

	"github.com/rkisp1/campipe/internal/rkerr"
)

func TestErrorsReexportRkerrSentinels(t *testing.T) {
	cases := []struct {
		name string
		pub  error
		internal error
	}{
		{"ErrBufferUnderrun", ErrBufferUnderrun, rkerr.ErrBufferUnderrun},
		{"ErrInvalidRequest", ErrInvalidRequest, rkerr.ErrInvalidRequest},
		{"ErrDeviceError", ErrDeviceError, rkerr.ErrDeviceError},
		{"ErrIPALoadError", ErrIPALoadError, rkerr.ErrIPALoadError},
		{"ErrNotFound", ErrNotFound, rkerr.ErrNotFound},
	}
	for _, c := range cases {
		if !errors.Is(c.pub, c.internal) {
			t.Errorf("pipeline.%s does not wrap rkerr's sentinel", c.name)
		}
	}
}

package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/sessiond/api/pkg/manager"
)

func TestBusErrorMapping(t *testing.T) {
	assert.Nil(t, busError(nil))

	cases := []struct {
		err  error
		name string
	}{
		{manager.ErrNotFound, iface + ".Error.NotFound"},
		{manager.ErrInvalidArgument, iface + ".Error.InvalidArgument"},
		{manager.ErrBusy, iface + ".Error.Busy"},
		{manager.ErrPermissionDenied, iface + ".Error.PermissionDenied"},
		{manager.ErrUnsupported, iface + ".Error.Unsupported"},
		{assert.AnError, iface + ".Error.Failed"},
	}

	for _, tc := range cases {
		dbusErr := busError(tc.err)
		require.NotNil(t, dbusErr)
		assert.Equal(t, tc.name, dbusErr.Name)
	}

	// Wrapped sentinels still map.
	wrapped := busError(fmt.Errorf("no session %q: %w", "s1", manager.ErrNotFound))
	assert.Equal(t, iface+".Error.NotFound", wrapped.Name)
}

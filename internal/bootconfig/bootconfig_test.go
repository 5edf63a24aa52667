package bootconfig_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sourcegraph/pintos-core/internal/bootconfig"
)

func TestParseDefaultsToDonation(t *testing.T) {
	cfg, err := bootconfig.Parse(nil)
	require.NoError(t, err)
	require.False(t, cfg.MLFQS)
}

func TestParseMLFQSFlag(t *testing.T) {
	cfg, err := bootconfig.Parse([]string{"-mlfqs"})
	require.NoError(t, err)
	require.True(t, cfg.MLFQS)
}

func TestParseUnknownFlagErrors(t *testing.T) {
	_, err := bootconfig.Parse([]string{"-bogus"})
	require.Error(t, err)
}

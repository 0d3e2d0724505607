package cli_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scraperctl/scraperctl"
	"github.com/scraperctl/scraperctl/cmd/scraperctl"
	"github.com/scraperctl/scraperctl/config"
)

func noopBuild(cfg config.Config, log *zap.Logger) (*scraperctl.Engine, error) {
	return scraperctl.New(cfg, log), nil
}

func TestNewRootCmd_RegistersRunSubcommand(t *testing.T) {
	root := cli.NewRootCmd(noopBuild)

	require.Equal(t, "scraperctl", root.Name())
	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	require.Equal(t, "run", run.Name())
}

func TestNewRootCmd_RunFlagsAreRegistered(t *testing.T) {
	root := cli.NewRootCmd(noopBuild)
	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)

	for _, name := range []string{"concurrent-requests", "pending-requests", "diagnostics-addr"} {
		require.NotNil(t, run.Flags().Lookup(name), "expected --%s to be registered", name)
	}
}

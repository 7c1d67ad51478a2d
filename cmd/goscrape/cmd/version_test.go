package cmd

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	assert.Equal(t, "version", versionCmd.Use)
	assert.NotEmpty(t, versionCmd.Short)

	out, err := capture(t, versionCmd, func() error {
		runVersion(versionCmd, nil)
		return nil
	})
	assert.NoError(t, err)
	assert.Contains(t, out, "goscrape version "+Version)
	assert.Contains(t, out, "Commit: "+Commit)
	assert.Contains(t, out, runtime.Version())
	assert.Contains(t, out, runtime.GOOS+"/"+runtime.GOARCH)
}

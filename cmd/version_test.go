package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionCmdOutput(t *testing.T) {
	tests := []struct {
		name           string
		version        string
		expectedOutput string
	}{
		{
			name:           "release version",
			version:        "v1.4.0",
			expectedOutput: "kubedeck version v1.4.0\n",
		},
		{
			name:           "dev version",
			version:        "dev",
			expectedOutput: "kubedeck version dev\n",
		},
		{
			name:           "empty version",
			version:        "",
			expectedOutput: "kubedeck version \n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			originalVersion := rootCmd.Version
			defer func() {
				rootCmd.Version = originalVersion
			}()
			rootCmd.Version = tt.version

			cmd := newVersionCmd()

			var buf bytes.Buffer
			cmd.SetOut(&buf)

			err := cmd.Execute()

			assert.NoError(t, err)
			assert.Equal(t, tt.expectedOutput, buf.String())
		})
	}
}

func TestVersionCmdProperties(t *testing.T) {
	cmd := newVersionCmd()

	assert.Equal(t, "version", cmd.Use)
	assert.Equal(t, "Print the version number of kubedeck", cmd.Short)
	assert.True(t, strings.Contains(cmd.Long, "kubedeck"))
}

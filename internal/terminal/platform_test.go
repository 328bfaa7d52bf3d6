package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeEnvOverridesInPlace(t *testing.T) {
	got := mergeEnv(
		[]string{"PATH=/bin", "TERM=dumb", "HOME=/root"},
		[]string{"TERM=xterm-256color", "CLICOLOR=1"},
	)
	assert.Equal(t, []string{"PATH=/bin", "TERM=xterm-256color", "HOME=/root", "CLICOLOR=1"}, got)
}

func TestMergeEnvKeepsLastDuplicate(t *testing.T) {
	got := mergeEnv([]string{"A=1", "A=2"}, nil)
	assert.Equal(t, []string{"A=2"}, got)
}

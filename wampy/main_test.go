package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{"hi", "42", `{"a":1}`, `[true]`, `"quoted"`, "not json {"})
	assert.Equal(t, []interface{}{
		"hi",
		42.0,
		map[string]interface{}{"a": 1.0},
		[]interface{}{true},
		"quoted",
		"not json {",
	}, args)
}

func TestLoadConfigFlagsWin(t *testing.T) {
	t.Setenv("WAMPY_REALM", "from.env")

	cmd := &cobra.Command{}
	flags := cmd.Flags()
	flags.StringVarP(&routerURL, "url", "u", "", "")
	flags.StringVarP(&realm, "realm", "r", "", "")
	flags.StringVarP(&serialization, "serialization", "s", "json", "")
	flags.DurationVarP(&timeout, "timeout", "t", 0, "")
	require.NoError(t, flags.Parse([]string{"--realm", "from.flag", "-t", "3s"}))

	require.NoError(t, loadConfig(cmd))
	assert.Equal(t, "from.flag", cfg.Realm)
	assert.Equal(t, 3*time.Second, cfg.ResponseTimeout)
	// unchanged flags do not override the defaults
	assert.Equal(t, "json", cfg.Serialization)
}

func TestLogJSON(t *testing.T) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	logJSON(cmd, payload([]interface{}{"x"}, nil))
	assert.Contains(t, out.String(), "args")
	assert.Contains(t, out.String(), "x")
}

package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"warden/core"
	"warden/soar"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const containPlaybook = `
name: contain
trigger:
  on_status: [TRIAGED]
  min_severity: high
  indicator_kinds: [ip]
steps:
  - name: block
    action: block_indicator
    idempotent: true
    params:
      ip: "{{indicator.ip}}"
  - name: tell
    action: notify
    params:
      message: "blocked {{indicator.ip}}"
`

const manualPlaybook = `
name: lookup
steps:
  - name: check
    action: intel_check
    params:
      kind: ip
      value: "{{indicator.ip}}"
`

const tokenSecret = "k3Y9vQ2mLx7RtB4nW8zJ5pH1cF6dG0sA"

// runCmd executes the root command with args and returns its stdout
func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--no-color"}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func findCommand(root *cobra.Command, path ...string) *cobra.Command {
	cmd, _, err := root.Find(path)
	if err != nil {
		return nil
	}
	return cmd
}

func TestNewRootCmd(t *testing.T) {
	root := NewRootCmd()
	assert.Equal(t, "warden", root.Use)

	for _, name := range []string{"serve", "playbooks", "normalize", "token"} {
		assert.NotNil(t, findCommand(root, name), "missing command %s", name)
	}
	assert.NotNil(t, findCommand(root, "playbooks", "validate"))
	assert.NotNil(t, findCommand(root, "playbooks", "list"))

	for _, flag := range []string{"config", "json", "no-color"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestPlaybooksValidate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "contain.yaml", containPlaybook)
	writeFile(t, dir, "lookup.yml", manualPlaybook)
	writeFile(t, dir, "README.md", "not a playbook")

	out, err := runCmd(t, "", "playbooks", "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "OK   "+filepath.Join(dir, "contain.yaml")+" (contain)")
	assert.Contains(t, out, "(lookup)")
	assert.Contains(t, out, "manual trigger only")
	assert.NotContains(t, out, "README")
}

func TestPlaybooksValidate_Failures(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "a.yaml", containPlaybook)
	dup := writeFile(t, dir, "b.yaml", containPlaybook)
	bad := writeFile(t, dir, "c.yaml", "name: broken\nsteps: []\n")

	out, err := runCmd(t, "", "--json", "playbooks", "validate", good, dup, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3 playbooks failed")

	var results []validationResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 3)
	assert.True(t, results[0].Valid)
	assert.False(t, results[1].Valid)
	assert.Contains(t, results[1].Error, "already defined in "+good)
	assert.False(t, results[2].Valid)

	_, err = runCmd(t, "", "playbooks", "validate", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestPlaybooksValidate_CheckActions(t *testing.T) {
	dir := t.TempDir()
	pb := writeFile(t, dir, "contain.yaml", containPlaybook)

	bare := writeFile(t, dir, "bare.yaml", "logging:\n  level: info\n")
	out, err := runCmd(t, "", "--config", bare, "playbooks", "validate", "--check-actions", pb)
	require.Error(t, err)
	assert.Contains(t, out, "no provider for actions: block_indicator")

	routed := writeFile(t, dir, "routed.yaml", `
playbooks:
  action_providers:
    - name: firewall
      base_url: "http://127.0.0.1:9"
      actions: [block_indicator]
`)
	out, err = runCmd(t, "", "--config", routed, "playbooks", "validate", "--check-actions", pb)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")
}

func TestPlaybooksList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "contain.yaml", containPlaybook)
	writeFile(t, dir, "lookup.yaml", manualPlaybook)

	out, err := runCmd(t, "", "playbooks", "list", dir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, lines[1], "contain")
	assert.Contains(t, lines[1], "on TRIAGED >=HIGH [ip]")
	assert.Contains(t, lines[2], "lookup")
	assert.Contains(t, lines[2], "manual")

	out, err = runCmd(t, "", "--json", "playbooks", "list", dir)
	require.NoError(t, err)
	var listed []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	assert.Len(t, listed, 2)
}

func TestDescribeTrigger(t *testing.T) {
	assert.Equal(t, "manual", describeTrigger(soar.Trigger{MinSeverity: "high"}))
	assert.Equal(t, "on OPEN|TRIAGED", describeTrigger(soar.Trigger{
		OnStatus: []core.IncidentStatus{core.IncidentOpen, core.IncidentTriaged},
	}))
}

func TestNormalize(t *testing.T) {
	body := `{"timestamp":"2026-05-04T09:00:00Z","severity":"high","signature":"C2 beacon",
		"indicators":[{"kind":"ip","value":"203.0.113.7"}]}`

	out, err := runCmd(t, body, "--json", "normalize", "--sensor", "canonical", "--stream", "edge", "-")
	require.NoError(t, err)

	var view map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "canonical", view["sensor"])
	assert.Equal(t, "edge", view["stream"])
	assert.NotEmpty(t, view["id"])
	assert.NotEmpty(t, view["fingerprint"])

	again, err := runCmd(t, body, "--json", "normalize", "--sensor", "canonical", "--stream", "edge", "-")
	require.NoError(t, err)
	assert.JSONEq(t, out, again, "normalization is deterministic")

	path := writeFile(t, t.TempDir(), "event.json", body)
	out, err = runCmd(t, "", "normalize", "--sensor", "canonical", path)
	require.NoError(t, err)
	assert.Contains(t, out, "203.0.113.7")
	assert.Contains(t, out, "Signature:   C2 beacon")
}

func TestNormalize_Errors(t *testing.T) {
	_, err := runCmd(t, "{}", "normalize", "-")
	assert.Error(t, err, "sensor flag is required")

	_, err = runCmd(t, "{}", "normalize", "--sensor", "snort", "-")
	assert.Error(t, err)

	_, err = runCmd(t, "not json", "normalize", "--sensor", "canonical", "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "normalization failed")
}

func TestToken(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", `
auth:
  enabled: true
  jwt_secret: "`+tokenSecret+`"
  issuer: warden
`)

	out, err := runCmd(t, "", "--config", cfgPath, "token", "--operator", "alice", "--roles", "responder,admin", "--ttl", "1h")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (interface{}, error) {
		return []byte(tokenSecret), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, "warden", claims["iss"])
	assert.ElementsMatch(t, []interface{}{"responder", "admin"}, claims["roles"])

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp.Time, time.Minute)

	_, err = runCmd(t, "", "--config", cfgPath, "token")
	assert.Error(t, err, "operator flag is required")
}

func TestToken_NoSecret(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", "logging:\n  level: info\n")
	_, err := runCmd(t, "", "--config", cfgPath, "token", "--operator", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT secret is not configured")
}

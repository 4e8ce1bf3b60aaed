package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainstep/internal/testutil"
)

const projectYAML = `
default_environment: layer2
environments:
  layer1:
    rpc_url: devnet
    chain_id: 1337
    accounts:
      deployer: CHAINSTEP_TEST_L1_DEPLOYER
      admin: CHAINSTEP_TEST_L1_ADMIN
  layer2:
    rpc_url: devnet
    chain_id: 777
    companions:
      l1: layer1
    accounts:
      deployer: CHAINSTEP_TEST_L2_DEPLOYER
      admin: CHAINSTEP_TEST_L2_ADMIN
executor:
  poll_interval: 1ms
  confirm_timeout: 5s
`

var projectManifests = map[string]string{
	"001_deploy_token.yaml": `
tags: [token]
deploy:
  artifact: Token
  signer: deployer
  args: ["Token", "1_000_000"]
`,
	"002_deploy_root_bridge.yaml": `
tags: [root-bridge]
target: companion:l1
deploy:
  artifact: Bridge
  signer: deployer
  args: ["account:admin"]
`,
	"003_deploy_child_bridge.yaml": `
tags: [bridge]
dependencies: [token, root-bridge]
deploy:
  artifact: Bridge
  signer: deployer
  args: ["account:admin"]
`,
	"004_set_admin.yaml": `
dependencies: [bridge]
execute:
  artifact: Bridge
  function: setAdmin
  signer: admin
  args: ["account:deployer"]
`,
}

func artifactJSON(name, abiJSON string) string {
	return `{"contractName": "` + name + `", "abi": ` + abiJSON + `, "bytecode": "` + testutil.Bytecode + `"}`
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// newProject writes a two-environment devnet project and returns the path
// of its project file.
func newProject(t *testing.T, manifests map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"chainstep.yaml":       projectYAML,
		"artifacts/Token.json":  artifactJSON("Token", testutil.TokenABI),
		"artifacts/Bridge.json": artifactJSON("Bridge", testutil.BridgeABI),
	}
	for name, content := range manifests {
		files[filepath.Join("migrations", name)] = content
	}
	writeTree(t, dir, files)
	return filepath.Join(dir, "chainstep.yaml")
}

type cliResult struct {
	out    string
	stderr string
	err    error
}

func execute(t *testing.T, args ...string) cliResult {
	t.Helper()
	out, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return cliResult{out: out.String(), stderr: stderr.String(), err: err}
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestPlan_Fresh(t *testing.T) {
	cfg := newProject(t, projectManifests)

	res := execute(t, "--config", cfg, "plan")
	require.NoError(t, res.err)
	golden(t).Assert(t, "plan_fresh", []byte(res.out))
}

func TestPlan_JSON(t *testing.T) {
	cfg := newProject(t, projectManifests)

	res := execute(t, "--config", cfg, "--format", "json", "plan", "--tags", "bridge")
	require.NoError(t, res.err)

	var resp struct {
		Status string     `json:"status"`
		Data   PlanResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "layer2", resp.Data.Environment)
	assert.Equal(t, 3, resp.Data.Pending)

	var names []string
	for _, s := range resp.Data.Steps {
		names = append(names, s.Step)
	}
	assert.Equal(t, []string{"deploy_token", "deploy_root_bridge", "deploy_child_bridge"}, names)
	assert.Equal(t, "layer1", resp.Data.Steps[1].EnvironmentID)
}

func TestMigrate_AppliesThenSkips(t *testing.T) {
	cfg := newProject(t, projectManifests)
	root := filepath.Dir(cfg)

	first := execute(t, "--config", cfg, "migrate")
	require.NoError(t, first.err, first.out+first.stderr)
	assert.Contains(t, first.out, "applied 4, skipped 0, failed 0, pending 0")
	assert.Contains(t, first.stderr, `msg="step applied"`)

	// Each deploy wrote its address into its target environment's namespace.
	assert.FileExists(t, filepath.Join(root, "deployments", "layer2", "Token.json"))
	assert.FileExists(t, filepath.Join(root, "deployments", "layer2", "Bridge.json"))
	assert.FileExists(t, filepath.Join(root, "deployments", "layer1", "Bridge.json"))
	assert.NoFileExists(t, filepath.Join(root, "deployments", "layer1", "Token.json"))

	second := execute(t, "--config", cfg, "migrate")
	require.NoError(t, second.err)
	assert.Contains(t, second.out, "applied 0, skipped 4, failed 0, pending 0")

	res := execute(t, "--config", cfg, "plan")
	require.NoError(t, res.err)
	golden(t).Assert(t, "plan_applied", []byte(res.out))
}

func TestMigrate_DryRunSendsNothing(t *testing.T) {
	cfg := newProject(t, projectManifests)

	res := execute(t, "--config", cfg, "migrate", "--dry-run")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "4 steps, 4 pending")
	assert.NoDirExists(t, filepath.Join(filepath.Dir(cfg), "deployments"))
}

func TestMigrate_JSON(t *testing.T) {
	cfg := newProject(t, projectManifests)

	res := execute(t, "--config", cfg, "--format", "json", "migrate", "--tags", "token")
	require.NoError(t, res.err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			RunID   string `json:"run_id"`
			Applied []struct {
				Step          string `json:"step"`
				EnvironmentID string `json:"environment_id"`
				TxHash        string `json:"tx_hash"`
			} `json:"applied"`
			Pending []string `json:"pending"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.Data.RunID)
	require.Len(t, resp.Data.Applied, 1)
	assert.Equal(t, "deploy_token", resp.Data.Applied[0].Step)
	assert.Len(t, resp.Data.Applied[0].TxHash, 66)
	assert.Empty(t, resp.Data.Pending)
}

func TestMigrate_HaltExitsWithFailure(t *testing.T) {
	// set_admin has nothing to call: Bridge is never deployed on layer2.
	cfg := newProject(t, map[string]string{
		"001_deploy_token.yaml": projectManifests["001_deploy_token.yaml"],
		"002_set_admin.yaml": `
dependencies: [token]
execute:
  artifact: Bridge
  function: setAdmin
  signer: admin
  args: ["account:deployer"]
`,
		"003_after.yaml": `
dependencies: [token]
deploy:
  artifact: Token
  signer: deployer
  args: ["Other", 1]
`,
	})

	res := execute(t, "--config", cfg, "migrate")
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))
	assert.Contains(t, res.out, "applied 1, skipped 0, failed 1, pending 1")
	assert.Contains(t, res.out, "set_admin")
	assert.Contains(t, res.out, "Error [E005]")

	status := execute(t, "--config", cfg, "--format", "json", "status")
	require.NoError(t, status.err)
	var resp struct {
		Data []struct {
			StepName string `json:"step_name"`
			Status   string `json:"status"`
			Reason   string `json:"reason"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(status.out), &resp))
	require.Len(t, resp.Data, 2)
	statuses := map[string]string{}
	for _, e := range resp.Data {
		statuses[e.StepName] = e.Status
	}
	assert.Equal(t, map[string]string{"deploy_token": "applied", "set_admin": "failed"}, statuses)
}

func TestMigrate_CycleIsCommandError(t *testing.T) {
	cfg := newProject(t, map[string]string{
		"a.yaml": "tags: [a]\ndependencies: [b]\ndeploy: {artifact: Token, signer: deployer, args: [\"A\", 1]}\n",
		"b.yaml": "tags: [b]\ndependencies: [a]\ndeploy: {artifact: Token, signer: deployer, args: [\"B\", 1]}\n",
	})

	res := execute(t, "--config", cfg, "migrate")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Contains(t, res.out, "Error [E003]")
	assert.Contains(t, res.out, "dependency cycle")
	assert.NoDirExists(t, filepath.Join(filepath.Dir(cfg), "deployments"))
}

func TestMigrate_UnknownTagIsCommandError(t *testing.T) {
	cfg := newProject(t, projectManifests)

	res := execute(t, "--config", cfg, "migrate", "--tags", "tokn")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Contains(t, res.out, "Error [E003]")
	assert.Contains(t, res.out, "no step has tag tokn")
	assert.NoDirExists(t, filepath.Join(filepath.Dir(cfg), "deployments"))
}

func TestMigrate_UnknownEnvironment(t *testing.T) {
	cfg := newProject(t, projectManifests)

	res := execute(t, "--config", cfg, "migrate", "--env", "mainnet")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Contains(t, res.out, "unknown environment")
}

func TestMigrate_CompanionNotReachableFromLayer1(t *testing.T) {
	cfg := newProject(t, projectManifests)

	res := execute(t, "--config", cfg, "migrate", "--env", "layer1")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Contains(t, res.out, "Error [E003]")
}

func TestMigrate_WritesMetrics(t *testing.T) {
	cfg := newProject(t, projectManifests)
	metrics := filepath.Join(t.TempDir(), "chainstep.prom")

	res := execute(t, "--config", cfg, "--metrics-file", metrics, "migrate", "--tags", "token")
	require.NoError(t, res.err)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), `chainstep_tx_send_attempts_total{env="layer2"} 1`)
	assert.Contains(t, string(data), `chainstep_tx_outcomes_total{env="layer2",outcome="confirmed"} 1`)
}

func TestMigrate_MissingConfig(t *testing.T) {
	res := execute(t, "--config", filepath.Join(t.TempDir(), "chainstep.yaml"), "migrate")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Contains(t, res.out, "Error [E001]")
}

func TestMigrate_DiscoversConfig(t *testing.T) {
	cfg := newProject(t, projectManifests)
	sub := filepath.Join(filepath.Dir(cfg), "migrations")
	t.Chdir(sub)

	res := execute(t, "plan")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "Plan for layer2")
}

func TestStatus_TextAndExport(t *testing.T) {
	cfg := newProject(t, projectManifests)

	empty := execute(t, "--config", cfg, "status")
	require.NoError(t, empty.err)
	assert.Contains(t, empty.out, "No steps recorded.")

	require.NoError(t, execute(t, "--config", cfg, "migrate").err)

	res := execute(t, "--config", cfg, "status", "--env", "layer1")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "deploy_root_bridge")
	assert.NotContains(t, res.out, "deploy_token")

	exp := execute(t, "--config", cfg, "status", "--export")
	require.NoError(t, exp.err)
	lines := bytes.Split(bytes.TrimSpace([]byte(exp.out)), []byte("\n"))
	assert.Len(t, lines, 4)
	for _, l := range lines {
		var e map[string]any
		require.NoError(t, json.Unmarshal(l, &e))
		assert.Equal(t, "applied", e["status"])
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := newProject(t, projectManifests)

	res := execute(t, "--config", cfg, "validate")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "✓ 4 steps valid for layer2")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(cfg), ".chainstep", "ledger.db"))
}

func TestValidate_ReportsProblems(t *testing.T) {
	cfg := newProject(t, map[string]string{
		"001_missing_artifact.yaml": "deploy: {artifact: Vault, signer: deployer}\n",
		"002_bad_function.yaml":     "execute: {artifact: Bridge, function: pause, signer: admin}\n",
		"003_bad_signer.yaml":       "deploy: {artifact: Token, signer: treasurer, args: [\"T\", 1]}\n",
	})

	res := execute(t, "--config", cfg, "validate")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Contains(t, res.out, "✗ Validation failed")
	assert.Contains(t, res.out, `artifact "Vault" not found`)
	assert.Contains(t, res.out, `no function "pause"`)
	assert.Contains(t, res.out, `signer "treasurer" is not configured`)
	assert.Contains(t, res.err.Error(), "3 error(s)")
}

func TestValidate_JSON(t *testing.T) {
	cfg := newProject(t, map[string]string{
		"001_bad_target.yaml": "target: companion:nowhere\ndeploy: {artifact: Token, signer: deployer, args: [\"T\", 1]}\n",
	})

	res := execute(t, "--config", cfg, "--format", "json", "validate")
	require.Error(t, res.err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(res.out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeResolution, resp.Error.Code)
}

func TestManifestErrorIsCommandError(t *testing.T) {
	cfg := newProject(t, map[string]string{
		"001_bad.yaml": "deploy: {artifact: Token}\nexecute: {artifact: Token, function: x, signer: s}\n",
	})

	res := execute(t, "--config", cfg, "plan")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Contains(t, res.out, "Error [E002]")
}

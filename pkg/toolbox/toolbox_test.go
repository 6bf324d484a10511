package toolbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/findings"
)

func newTestToolbox(t *testing.T) *Toolbox {
	t.Helper()
	tb, err := NewDefault()
	require.NoError(t, err)
	return tb
}

func TestDefaultToolboxRegistersAllTools(t *testing.T) {
	tb := newTestToolbox(t)
	assert.Equal(t, 8, tb.Len())
	for _, name := range pipelineOrder {
		_, ok := tb.Get(name)
		assert.True(t, ok, "missing %s", name)
	}
}

func TestDescribeExposesSchemas(t *testing.T) {
	tb := newTestToolbox(t)
	schemas := tb.Describe()
	require.Len(t, schemas, 8)

	assert.Equal(t, "subfinder", schemas[0].Name)
	assert.Equal(t, "sqlmap", schemas[7].Name)

	params := schemas[0].Parameters
	assert.Equal(t, "object", params["type"])
	props := params["properties"].(map[string]any)
	assert.Contains(t, props, "domain")
	assert.Contains(t, params["required"], "domain")
}

func TestValidateDropsUnknownKeys(t *testing.T) {
	tb := newTestToolbox(t)
	args, err := tb.Validate("nmap", map[string]any{
		"target":      "example.com",
		"imagination": "unbounded",
	})
	require.NoError(t, err)
	assert.NotContains(t, args, "imagination")
	assert.Equal(t, "example.com", args["target"])
	assert.Equal(t, "1-1024", args["ports"], "default should be applied")
}

func TestValidateMissingRequired(t *testing.T) {
	tb := newTestToolbox(t)
	_, err := tb.Validate("nmap", map[string]any{"ports": "80"})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "target")
}

func TestValidateUnknownTool(t *testing.T) {
	tb := newTestToolbox(t)
	_, err := tb.Validate("metasploit", nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "unknown")
}

func TestValidateCoercion(t *testing.T) {
	tb := newTestToolbox(t)

	// JSON numbers arrive as float64, strings should parse, bounds clamp.
	args, err := tb.Validate("nuclei", map[string]any{
		"target":     "https://example.com",
		"rate_limit": float64(5000),
		"severity":   "high,critical",
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, args["rate_limit"], "clamped to max")
	assert.Equal(t, []string{"high", "critical"}, args["severity"])

	args, err = tb.Validate("sqlmap", map[string]any{
		"url":   "https://example.com/item?id=1",
		"level": "3",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, args["level"])

	_, err = tb.Validate("nmap", map[string]any{
		"target":            "example.com",
		"service_detection": "not-a-bool",
	})
	assert.Error(t, err)
}

func TestCheckTargetsEnforcesPrivatePolicy(t *testing.T) {
	tb := newTestToolbox(t)

	for tool, args := range map[string]map[string]any{
		"nmap":      {"target": "127.0.0.1"},
		"subfinder": {"domain": "corp.internal"},
		"httpx":     {"targets": []string{"example.com", "192.168.1.10"}},
		"sqlmap":    {"url": "http://10.0.0.5/item?id=1"},
	} {
		err := tb.CheckTargets(tool, args, false)
		require.Error(t, err, tool)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, tool)
		assert.Equal(t, tool, verr.Tool)
	}

	assert.NoError(t, tb.CheckTargets("nmap", map[string]any{"target": "example.com"}, false))
	assert.NoError(t, tb.CheckTargets("nmap", map[string]any{"target": "127.0.0.1"}, true))

	// Non-target arguments are not screened.
	assert.NoError(t, tb.CheckTargets("nmap", map[string]any{"ports": "1-1024"}, false))
}

func TestBuildArgvIsArgvOnly(t *testing.T) {
	tb := newTestToolbox(t)
	d, _ := tb.Get("nmap")
	args, err := d.Validate(map[string]any{"target": "example.com; rm -rf /"})
	require.NoError(t, err)

	cmd := d.Command(args)
	// The hostile target stays a single argv element; nothing is ever
	// passed through a shell.
	assert.Equal(t, "example.com; rm -rf /", cmd.Argv[len(cmd.Argv)-1])
	assert.Equal(t, "nmap", cmd.Argv[0])
	assert.Equal(t, 10*time.Minute, cmd.Timeout)
}

func TestChainHintMapsKindsToTools(t *testing.T) {
	tb := newTestToolbox(t)

	hints := tb.ChainHint([]findings.Finding{
		{Kind: findings.KindSubdomain},
	})
	assert.Equal(t, []string{"nmap", "httpx"}, hints)

	hints = tb.ChainHint([]findings.Finding{
		{Kind: findings.KindLiveHost},
		{Kind: findings.KindTLSEndpoint},
	})
	assert.Equal(t, []string{"nmap", "whatweb", "sslscan", "nuclei", "ffuf"}, hints)

	assert.Nil(t, tb.ChainHint(nil))
	assert.Nil(t, tb.ChainHint([]findings.Finding{{Kind: findings.KindSQLInjection}}))
}

func TestApplyOverrides(t *testing.T) {
	tb := newTestToolbox(t)
	err := tb.ApplyOverrides(map[string]config.ToolOverride{
		"nmap": {
			Command:        "/opt/scanners/nmap",
			Timeout:        time.Minute,
			MaxOutputBytes: 2048,
			Defaults:       map[string]any{"ports": "80,443"},
		},
		"sqlmap": {Disabled: true},
	})
	require.NoError(t, err)

	d, _ := tb.Get("nmap")
	assert.Equal(t, time.Minute, d.DefaultTimeout)

	args, err := d.Validate(map[string]any{"target": "example.com"})
	require.NoError(t, err)
	assert.Equal(t, "80,443", args["ports"])

	cmd := d.Command(args)
	assert.Equal(t, "/opt/scanners/nmap", cmd.Argv[0])
	assert.EqualValues(t, 2048, cmd.MaxOutputBytes)

	_, err = tb.Validate("sqlmap", map[string]any{"url": "https://example.com/?id=1"})
	assert.Error(t, err, "disabled tool must refuse invocations")
	assert.Len(t, tb.Describe(), 7)
}

func TestApplyOverridesUnknownTool(t *testing.T) {
	tb := newTestToolbox(t)
	err := tb.ApplyOverrides(map[string]config.ToolOverride{
		"nessus": {Command: "/usr/bin/nessus"},
	})
	assert.Error(t, err)
}

func TestCatalogIncludesChainMetadata(t *testing.T) {
	tb := newTestToolbox(t)
	catalog := tb.Catalog()
	require.Len(t, catalog, 8)

	byName := make(map[string]CatalogEntry)
	for _, entry := range catalog {
		byName[entry.Name] = entry
	}
	assert.Contains(t, byName["sslscan"].ChainInputs, findings.KindTLSEndpoint)
	assert.Contains(t, byName["subfinder"].ChainOutputs, findings.KindSubdomain)
	assert.NotNil(t, byName["ffuf"].ArgumentSchema["properties"])
}

func TestFindingSchemaReflects(t *testing.T) {
	schema := FindingSchema()
	require.NotNil(t, schema)
	assert.NotNil(t, schema.Properties)
}

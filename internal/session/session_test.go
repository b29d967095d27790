package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")

	s := &Session{
		Probe:    "dap-shared",
		SpeedKHz: 4000,
		SeedAddr: 0x2000_0000,
		GdbPort:  2331,
		Variables: []Variable{
			{Name: "counter", Addr: 0x2000_1000, Size: 4, Format: "u32", Enabled: true},
		},
	}
	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s.Probe, loaded.Probe)
	assert.Equal(t, s.SpeedKHz, loaded.SpeedKHz)
	assert.Equal(t, s.SeedAddr, loaded.SeedAddr)
	assert.Equal(t, s.Variables, loaded.Variables)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestExportImportVariablesJSON_RoundTrip(t *testing.T) {
	vars := []Variable{
		{Name: "a", Addr: 0x1000, Size: 1, Format: "i8", Enabled: true},
		{Name: "b", Addr: 0x2000, Size: 4, Format: "f32", Enabled: false},
	}
	data, err := ExportVariablesJSON(vars)
	require.NoError(t, err)

	got, err := ImportVariablesJSON(data)
	require.NoError(t, err)
	assert.Equal(t, vars, got)
}

func TestToFromSamplerVariables(t *testing.T) {
	s := &Session{Variables: []Variable{
		{Name: "x", Addr: 0x3000, Size: 2, Format: "u16", Enabled: true},
	}}
	sv := s.ToSamplerVariables()
	require.Len(t, sv, 1)
	assert.Equal(t, "x", sv[0].Name)

	var s2 Session
	s2.FromSamplerVariables(sv)
	assert.Equal(t, s.Variables, s2.Variables)
}


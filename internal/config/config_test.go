package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "be-plt-workflow", cfg.Service.Name)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, 9086, cfg.GRPC.Port)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, PolicyPermitAuthenticated, cfg.ABAC.DefaultPolicy)
	assert.Equal(t, 30*time.Second, cfg.ABAC.RefreshInterval)
	assert.Equal(t, "ADMIN", cfg.Auth.AdminRole)
	assert.Equal(t, "SUIVI", cfg.Workflow.EntityModules["PROJET"])
	assert.Equal(t, "idee_projet", cfg.Workflow.EntityTables["IDEE_PROJET"])
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("ABAC_REFRESH_INTERVAL", "5")
	t.Setenv("HTTP_REQUEST_TIMEOUT", "1m30s")
	t.Setenv("ABAC_DEFAULT_POLICY", PolicyDeny)
	t.Setenv("ABAC_ENDPOINTS", " /api/v1/projets , ,/api/v1/pip")
	t.Setenv("WORKFLOW_ENTITY_MODULES", "CONTRAT=SUIVI, bad-entry ,PROJET = SUIVI")
	t.Setenv("GRPC_REFLECTION", "off")
	t.Setenv("STORAGE", StoragePostgres)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.ABAC.RefreshInterval)
	assert.Equal(t, 90*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, PolicyDeny, cfg.ABAC.DefaultPolicy)
	assert.Equal(t, []string{"/api/v1/projets", "/api/v1/pip"}, cfg.ABAC.Endpoints)
	assert.Equal(t, map[string]string{"CONTRAT": "SUIVI", "PROJET": "SUIVI"}, cfg.Workflow.EntityModules)
	assert.False(t, cfg.GRPC.Reflection)
	assert.Equal(t, StoragePostgres, cfg.Storage)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"bad port":      {"HTTP_PORT", "eighty"},
		"bad duration":  {"ABAC_REFRESH_INTERVAL", "soon"},
		"zero interval": {"ABAC_REFRESH_INTERVAL", "0"},
		"bad storage":   {"STORAGE", "redis"},
		"bad policy":    {"ABAC_DEFAULT_POLICY", "permit-all"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

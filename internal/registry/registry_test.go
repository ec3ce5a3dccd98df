package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInstance(name string, port int) Instance {
	return Instance{
		Name:       name,
		Role:       RoleBackend,
		Host:       "127.0.0.1",
		Port:       port,
		HealthPath: "/health",
	}
}

func TestNew_ValidRegistry(t *testing.T) {
	reg, err := New([]Instance{
		validInstance("backend-1", 8001),
		validInstance("backend-2", 8002),
		{Name: "cache-1", Role: RoleCache, Host: "127.0.0.1", Port: 6379, HealthPath: "/"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, reg.Len())
	assert.Len(t, reg.Instances(RoleBackend), 2)
	assert.Len(t, reg.Instances(RoleCache), 1)
	assert.Empty(t, reg.Instances(RoleProxy))
}

func TestNew_EmptyRegistryRejected(t *testing.T) {
	// Probing nothing must never pass for healthy
	for _, instances := range [][]Instance{nil, {}} {
		_, err := New(instances, nil)
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
		assert.Contains(t, err.Error(), "at least one instance")
	}

	_, err := New(nil, []RoleRequirement{{Role: RoleBackend, Minimum: 1}})
	require.Error(t, err, "requirements alone do not make a registry")
	assert.True(t, IsConfigError(err))

	_, err = Parse([]byte("instances: []\n"))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestNew_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		instance Instance
		wantErr  string
	}{
		{
			name:     "missing name",
			instance: Instance{Role: RoleBackend, Host: "h", Port: 80, HealthPath: "/health"},
			wantErr:  "name is required",
		},
		{
			name:     "unknown role",
			instance: Instance{Name: "x", Role: "database", Host: "h", Port: 80, HealthPath: "/health"},
			wantErr:  "unknown role",
		},
		{
			name:     "missing host",
			instance: Instance{Name: "x", Role: RoleBackend, Port: 80, HealthPath: "/health"},
			wantErr:  "host is required",
		},
		{
			name:     "port out of range",
			instance: Instance{Name: "x", Role: RoleBackend, Host: "h", Port: 70000, HealthPath: "/health"},
			wantErr:  "out of range",
		},
		{
			name:     "zero port",
			instance: Instance{Name: "x", Role: RoleBackend, Host: "h", Port: 0, HealthPath: "/health"},
			wantErr:  "out of range",
		},
		{
			name:     "relative health path",
			instance: Instance{Name: "x", Role: RoleBackend, Host: "h", Port: 80, HealthPath: "health"},
			wantErr:  "must start with /",
		},
		{
			name:     "bad scheme",
			instance: Instance{Name: "x", Role: RoleBackend, Host: "h", Port: 80, HealthPath: "/health", Scheme: "ftp"},
			wantErr:  "scheme must be http or https",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New([]Instance{tt.instance}, nil)
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_DuplicateIdentity(t *testing.T) {
	_, err := New([]Instance{
		validInstance("backend-1", 8001),
		validInstance("backend-1", 8001),
	}, nil)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "duplicate instance backend-1:8001")
}

func TestNew_SameNameDifferentPortAllowed(t *testing.T) {
	_, err := New([]Instance{
		validInstance("backend", 8001),
		validInstance("backend", 8002),
	}, nil)
	assert.NoError(t, err)
}

func TestNew_RequirementValidation(t *testing.T) {
	_, err := New(nil, []RoleRequirement{{Role: "database", Minimum: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")

	_, err = New(nil, []RoleRequirement{{Role: RoleBackend, Minimum: 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minimum must be at least 1")
}

func TestInstances_PreservesDeclarationOrder(t *testing.T) {
	reg, err := New([]Instance{
		validInstance("b", 8002),
		validInstance("a", 8001),
		validInstance("c", 8003),
	}, nil)
	require.NoError(t, err)

	instances := reg.Instances()
	require.Len(t, instances, 3)
	assert.Equal(t, "b", instances[0].Name)
	assert.Equal(t, "a", instances[1].Name)
	assert.Equal(t, "c", instances[2].Name)
}

func TestRoles_IncludesRequirementOnlyRoles(t *testing.T) {
	reg, err := New(
		[]Instance{validInstance("backend-1", 8001)},
		[]RoleRequirement{{Role: RoleCache, Minimum: 1}},
	)
	require.NoError(t, err)

	roles := reg.Roles()
	assert.Contains(t, roles, RoleBackend)
	// A role declared only through a requirement still shows up, so the
	// aggregator can flag it as misconfigured
	assert.Contains(t, roles, RoleCache)
}

func TestRequiredMinimum(t *testing.T) {
	reg, err := New(
		[]Instance{validInstance("backend-1", 8001)},
		[]RoleRequirement{{Role: RoleBackend, Minimum: 2}},
	)
	require.NoError(t, err)

	assert.Equal(t, 2, reg.RequiredMinimum(RoleBackend))
	assert.Equal(t, 1, reg.RequiredMinimum(RoleFrontend))
}

func TestParse_YAML(t *testing.T) {
	data := []byte(`
instances:
  - name: backend-1
    role: backend
    host: 10.0.0.5
    port: 8000
    health_path: /health
    timeout: 2s
  - name: proxy-1
    role: proxy
    host: 10.0.0.1
    port: 443
    health_path: /healthz
    scheme: https
requirements:
  - role: backend
    minimum: 2
`)
	reg, err := Parse(data)
	require.NoError(t, err)

	require.Equal(t, 2, reg.Len())
	backend := reg.Instances(RoleBackend)[0]
	assert.Equal(t, "backend-1", backend.Name)
	assert.Equal(t, 2*time.Second, backend.Timeout)
	assert.Equal(t, "http://10.0.0.5:8000/health", backend.URL())

	proxy := reg.Instances(RoleProxy)[0]
	assert.Equal(t, "https://10.0.0.1:443/healthz", proxy.URL())

	assert.Equal(t, 2, reg.RequiredMinimum(RoleBackend))
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("instances: [unclosed"))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestInstanceKey(t *testing.T) {
	inst := validInstance("backend-1", 8001)
	assert.Equal(t, "backend-1:8001", inst.Key())
}

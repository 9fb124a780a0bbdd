package seed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

const sampleSeed = `
permissions:
  - key: document.read
    system: true
  - key: document.delete
    description: Remove documents
roles:
  - name: Admin
    parent: Viewer
    description: Full access
  - name: Viewer
    system: true
rules:
  - role: Viewer
    permission: document.read
    effect: allow
    priority: 50
  - role: Viewer
    permission: document.delete
    effect: deny
    priority: 50
  - role: Admin
    permission: document.delete
    effect: allow
    priority: 80
    conditions:
      department: [legal, finance]
`

func TestParse(t *testing.T) {
	file, err := Parse([]byte(sampleSeed))
	require.NoError(t, err)

	assert.Len(t, file.Permissions, 2)
	assert.Len(t, file.Roles, 2)
	require.Len(t, file.Rules, 3)
	assert.Equal(t, rbac.EffectDeny, file.Rules[1].Effect)
	assert.Equal(t, []interface{}{"legal", "finance"}, file.Rules[2].Conditions["department"])
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "not yaml",
			doc:     "roles: [",
			wantErr: "failed to parse seed file",
		},
		{
			name:    "bad key",
			doc:     "permissions:\n  - key: nodot\n",
			wantErr: "must look like resource.action",
		},
		{
			name:    "duplicate key",
			doc:     "permissions:\n  - key: a.b\n  - key: a.b\n",
			wantErr: "listed twice",
		},
		{
			name:    "unnamed role",
			doc:     "roles:\n  - description: nobody\n",
			wantErr: "name is required",
		},
		{
			name:    "unknown parent",
			doc:     "roles:\n  - name: Child\n    parent: Ghost\n",
			wantErr: `parent "Ghost" is not declared`,
		},
		{
			name:    "rule for unknown role",
			doc:     "permissions:\n  - key: a.b\nrules:\n  - role: Ghost\n    permission: a.b\n    effect: allow\n",
			wantErr: `role "Ghost" is not declared`,
		},
		{
			name:    "rule for unknown permission",
			doc:     "roles:\n  - name: R\nrules:\n  - role: R\n    permission: a.b\n    effect: allow\n",
			wantErr: "permission a.b is not declared",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSeed), 0o644))

	file, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, file.Roles, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRoleOrder(t *testing.T) {
	file := &File{Roles: []RoleEntry{
		{Name: "Leaf", Parent: "Mid"},
		{Name: "Mid", Parent: "Root"},
		{Name: "Root"},
		{Name: "Other"},
	}}

	ordered, err := file.roleOrder()
	require.NoError(t, err)

	names := make([]string, len(ordered))
	for i, r := range ordered {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"Root", "Mid", "Leaf", "Other"}, names)
}

func TestRoleOrder_Cycle(t *testing.T) {
	file := &File{Roles: []RoleEntry{
		{Name: "A", Parent: "B"},
		{Name: "B", Parent: "A"},
	}}

	_, err := file.roleOrder()
	assert.ErrorIs(t, err, rbac.ErrCycle)
}

package postgres

import (
	"context"
	"testing"

	"github.com/BDNK1/chatflow/internal/testutil"
	"github.com/BDNK1/chatflow/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskConnectionString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://app:s3cret@db:5432/chat?sslmode=disable", "postgres://app:***@db:5432/chat?sslmode=disable"},
		{"postgres://app@db/chat", "postgres://app@db/chat"},
		{"host=db user=app dbname=chat", "host=db user=app dbname=chat"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskConnectionString(tt.in))
	}
}

func TestPostgresPlugin_Initialize(t *testing.T) {
	ctx := context.Background()
	p := New(nil, Config{ConnectionString: testutil.PostgresDSN(t), MaxOpenConns: 4, MaxIdleConns: 1})
	require.NoError(t, p.Initialize(ctx))
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	require.NoError(t, p.SaveCustomer(ctx, &runtime.Customer{ID: "plugin-u1", OrganizationID: "org-1"}))
	got, err := p.GetCustomer(ctx, "plugin-u1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.OrganizationID)
}

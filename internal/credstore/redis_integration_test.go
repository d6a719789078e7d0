//go:build integration

package credstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("CHATNERD_TEST_REDIS")
	if addr == "" {
		t.Skip("CHATNERD_TEST_REDIS not set")
	}
	s, err := NewRedisStore(context.Background(), addr, "chatnerd-test-"+uuid.NewString())
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

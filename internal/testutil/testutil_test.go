package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartPostgresWithoutRuntimeReturnsError(t *testing.T) {
	t.Setenv("DOCKER_HOST", "unix:///nonexistent/kage-test-docker.sock")
	t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		tc  *TestContainer
		err error
	)
	assert.NotPanics(t, func() { tc, err = StartPostgres(ctx) })
	assert.Error(t, err)
	assert.Nil(t, tc)
}

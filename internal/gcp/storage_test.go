package gcp

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("FISCAL_TEST_VALUE", "set")
	assert.Equal(t, "set", GetEnv("FISCAL_TEST_VALUE", "fallback"))
	assert.Equal(t, "fallback", GetEnv("FISCAL_TEST_UNSET", "fallback"))
}

func TestGetEnvTyped(t *testing.T) {
	t.Setenv("FISCAL_TEST_INT", "7")
	t.Setenv("FISCAL_TEST_DURATION", "1500ms")
	t.Setenv("FISCAL_TEST_BOOL", "true")
	t.Setenv("FISCAL_TEST_BAD", "nope")

	n, err := GetEnvInt("FISCAL_TEST_INT", 3)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = GetEnvInt("FISCAL_TEST_UNSET", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	d, err := GetEnvDuration("FISCAL_TEST_DURATION", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	b, err := GetEnvBool("FISCAL_TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, b)

	_, err = GetEnvInt("FISCAL_TEST_BAD", 0)
	assert.ErrorContains(t, err, "FISCAL_TEST_BAD")
	_, err = GetEnvDuration("FISCAL_TEST_BAD", 0)
	assert.Error(t, err)
	_, err = GetEnvBool("FISCAL_TEST_BAD", false)
	assert.Error(t, err)
}

func TestPreconditionFailed(t *testing.T) {
	assert.True(t, preconditionFailed(&googleapi.Error{Code: http.StatusPreconditionFailed}))
	assert.True(t, preconditionFailed(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})))
	assert.False(t, preconditionFailed(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, preconditionFailed(fmt.Errorf("boom")))
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/xml", contentTypeFor("raw/abc.xml"))
	assert.Equal(t, "text/plain; charset=utf-8", contentTypeFor("summaries/abc.txt"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("other"))
}

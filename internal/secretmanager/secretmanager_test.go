package secretmanager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileManagerWinsWhenSet(t *testing.T) {
	secret, err := ProfileManager{Key: "sk-profile"}.GetSecret("OPENAI_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-profile", secret)
}

func TestProfileManagerNotFoundWhenEmpty(t *testing.T) {
	_, err := ProfileManager{}.GetSecret("OPENAI_API_KEY")
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestEnvManagerReadsVerbatimName(t *testing.T) {
	t.Setenv("MY_TEST_API_KEY", "sk-env")
	secret, err := EnvManager{}.GetSecret("MY_TEST_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", secret)
}

func TestEnvManagerNotFound(t *testing.T) {
	_, err := EnvManager{}.GetSecret("ARULA_DEFINITELY_UNSET_KEY")
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestChainFallsThroughInOrder(t *testing.T) {
	t.Setenv("CHAIN_TEST_KEY", "sk-from-env")
	chain := NewChain(ProfileManager{}, EnvManager{}, MockManager{Value: "sk-from-mock"})
	secret, err := chain.GetSecret("CHAIN_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", secret)
}

func TestChainFallsBackToLastResort(t *testing.T) {
	chain := NewChain(ProfileManager{}, MockManager{Value: "sk-mock"})
	secret, err := chain.GetSecret("UNSET_ANYWHERE_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-mock", secret)
}

func TestChainReturnsErrorWhenAllFail(t *testing.T) {
	chain := NewChain(ProfileManager{}, MockManager{})
	_, err := chain.GetSecret("NOTHING_HERE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSecretNotFound))
}

func TestResolvePrefersProfileKeyOverEnv(t *testing.T) {
	t.Setenv("RESOLVE_TEST_KEY", "sk-env")
	secret, err := Resolve("sk-explicit", "RESOLVE_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-explicit", secret)
}

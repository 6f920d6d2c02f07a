package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignToken("s3cret", 42, time.Hour)
	require.NoError(t, err)

	uid, err := ParseToken("s3cret", tok)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), uid)
}

func TestParse_Rejects(t *testing.T) {
	tok, err := SignToken("s3cret", 42, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken("other", tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := SignToken("s3cret", 42, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken("s3cret", expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken("s3cret", "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

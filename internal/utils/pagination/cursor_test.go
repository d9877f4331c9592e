package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	p, err := Normalize(0, -3, "", 20, 50)
	require.NoError(t, err)
	assert.Equal(t, Page{Limit: 20, Offset: 0}, p)

	p, err = Normalize(500, 10, "", 20, 200)
	require.NoError(t, err)
	assert.Equal(t, Page{Limit: 200, Offset: 10}, p)
}

func TestNormalize_TokenWins(t *testing.T) {
	token, err := Encode(Cursor{Offset: 40})
	require.NoError(t, err)

	p, err := Normalize(20, 5, token, 20, 50)
	require.NoError(t, err)
	assert.Equal(t, 40, p.Offset)

	_, err = Normalize(20, 0, "%%%", 20, 50)
	assert.Error(t, err)
}

func TestPage_Next(t *testing.T) {
	p := Page{Limit: 10, Offset: 20}
	assert.Nil(t, p.Next(7))

	next := p.Next(10)
	require.NotNil(t, next)
	c, err := Decode(*next)
	require.NoError(t, err)
	assert.Equal(t, 30, c.Offset)
}

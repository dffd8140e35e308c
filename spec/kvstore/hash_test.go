package kvstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashStable(t *testing.T) {
	as := require.New(t)

	for _, fn := range []HashFn{Hash, HashBlake3} {
		as.Equal(fn([]byte("alpha")), fn([]byte("alpha")))
		as.NotEqual(fn([]byte("alpha")), fn([]byte("beta")))
	}
	as.NotEqual(Hash([]byte("alpha")), HashBlake3([]byte("alpha")))
}

func TestHashByName(t *testing.T) {
	as := require.New(t)

	for name, expected := range map[string]HashFn{
		"":       Hash,
		"xxh3":   Hash,
		"blake3": HashBlake3,
	} {
		fn, err := HashByName(name)
		as.NoError(err)
		as.Equal(expected([]byte("k")), fn([]byte("k")))
	}

	_, err := HashByName("md5")
	as.Error(err)
}

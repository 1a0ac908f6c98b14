package passphrase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/polar/internal/util"
)

func fastHasher() *Hasher {
	return NewHasher(WithParams(util.Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1}))
}

func TestHasher_HashAndVerify(t *testing.T) {
	h := fastHasher()

	digest, err := h.Hash("correct-horse-battery-staple12")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(digest, "$argon2id$"))
	assert.NotContains(t, digest, "correct-horse")

	assert.True(t, h.Verify("correct-horse-battery-staple12", digest))
	assert.False(t, h.Verify("correct-horse-battery-staple13", digest))
	assert.False(t, h.Verify("", digest))
}

func TestHasher_VerifyNeverFailsLoudly(t *testing.T) {
	h := fastHasher()

	for _, digest := range []string{"", "garbage", "$argon2id$", "$argon2id$v=19$m=1,t=1,p=1$$"} {
		assert.NotPanics(t, func() {
			assert.False(t, h.Verify("anything", digest))
		})
	}
}

func TestHasher_NormalizesInput(t *testing.T) {
	h := fastHasher()

	// U+FB01 (ﬁ ligature) normalises to "fi" under NFKC.
	digest, err := h.Hash("ﬁnd-the-lighthouse")
	require.NoError(t, err)
	assert.True(t, h.Verify("find-the-lighthouse", digest))
}

func TestHasher_VerifyUsesEmbeddedParams(t *testing.T) {
	old := fastHasher()
	digest, err := old.Hash("a-long-enough-secret")
	require.NoError(t, err)

	current := NewHasher(WithParams(util.Argon2idParams{Time: 2, MemoryKiB: 2048, Parallelism: 1}))
	assert.True(t, current.Verify("a-long-enough-secret", digest))
	assert.True(t, current.NeedsRehash(digest))
	assert.False(t, old.NeedsRehash(digest))
	assert.True(t, current.NeedsRehash("garbage"))
}

func TestNewHasher_Defaults(t *testing.T) {
	h := NewHasher()
	assert.Equal(t, util.DefaultArgon2idParams(), h.params)
}

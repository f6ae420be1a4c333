package kms

import (
	"math/rand"
	"testing"

	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type holder struct {
	participant Participant
	key         *cryptoutils.KeyPair
}

func generateHolders(t *testing.T, n int) []holder {
	t.Helper()
	holders := make([]holder, n)
	for i := range holders {
		kp, err := cryptoutils.GenerateKeyPair()
		require.NoError(t, err, "Failed to generate holder key")
		id, err := interfaces.NewParticipantId()
		require.NoError(t, err)
		holders[i] = holder{
			participant: Participant{ID: id, PublicKey: kp.PublicKey(), IsOwner: i == 0},
			key:         kp,
		}
	}
	return holders
}

func participantsOf(holders []holder) []Participant {
	out := make([]Participant, len(holders))
	for i, h := range holders {
		out[i] = h.participant
	}
	return out
}

func decryptAll(t *testing.T, holders []holder, shards []interfaces.EncryptedShard) []Share {
	t.Helper()
	require.Len(t, shards, len(holders))
	shares := make([]Share, len(shards))
	for i, shard := range shards {
		assert.Equal(t, holders[i].participant.ID, shard.ParticipantID, "Shards should keep participant order")
		share, err := DecryptShard(holders[i].key, shard)
		require.NoError(t, err, "Holder should decrypt its own shard")
		shares[i] = share
	}
	return shares
}

// combinations returns every k-subset of indexes [0, n).
func combinations(n, k int) [][]int {
	var out [][]int
	var walk func(start int, acc []int)
	walk = func(start int, acc []int) {
		if len(acc) == k {
			out = append(out, append([]int(nil), acc...))
			return
		}
		for i := start; i < n; i++ {
			walk(i+1, append(acc, i))
		}
	}
	walk(0, nil)
	return out
}

func TestSplitReconstruct_AllThresholds(t *testing.T) {
	secretKey, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	secret := secretKey.PrivateKeyBytes()

	rng := rand.New(rand.NewSource(1))

	for n := 1; n <= 5; n++ {
		holders := generateHolders(t, n)
		for threshold := 1; threshold <= n; threshold++ {
			shards, err := Split(secret, threshold, participantsOf(holders))
			require.NoError(t, err, "Split(T=%d, N=%d) should succeed", threshold, n)
			assert.True(t, shards[0].IsOwnerShard, "Owner flag should be carried")

			shares := decryptAll(t, holders, shards)

			for _, subset := range combinations(n, threshold) {
				picked := make([]Share, 0, threshold)
				for _, idx := range subset {
					picked = append(picked, shares[idx])
				}
				rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })

				recovered, err := Reconstruct(picked, threshold)
				require.NoError(t, err, "Reconstruct(T=%d, N=%d, subset=%v)", threshold, n, subset)
				assert.Equal(t, secret, recovered, "Recovered key must be byte-identical")
			}

			if threshold > 1 {
				for _, subset := range combinations(n, threshold-1) {
					picked := make([]Share, 0, threshold-1)
					for _, idx := range subset {
						picked = append(picked, shares[idx])
					}
					_, err := Reconstruct(picked, threshold)
					assert.ErrorIs(t, err, interfaces.ErrInsufficientShares,
						"T-1 shares must fail (T=%d, N=%d)", threshold, n)
				}
			}
		}
	}
}

func TestReconstruct_ZeroShares(t *testing.T) {
	_, err := Reconstruct(nil, 1)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
}

func TestReconstruct_DuplicateParticipantDoesNotCount(t *testing.T) {
	holders := generateHolders(t, 3)
	secret := []byte("0123456789abcdef0123456789abcdef")

	shards, err := Split(secret, 2, participantsOf(holders))
	require.NoError(t, err)
	shares := decryptAll(t, holders, shards)

	_, err = Reconstruct([]Share{shares[0], shares[0]}, 2)
	assert.Error(t, err, "The same participant must not be counted twice")
}

func TestReconstructKeyPair(t *testing.T) {
	intermediate, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	unrelated, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)

	holders := generateHolders(t, 2)
	shards, err := Split(intermediate.PrivateKeyBytes(), 2, participantsOf(holders))
	require.NoError(t, err)
	shares := decryptAll(t, holders, shards)

	kp, err := ReconstructKeyPair(shares, 2, intermediate.PublicKey())
	require.NoError(t, err)
	assert.True(t, kp.PublicKey().Equal(intermediate.PublicKey()))

	_, err = ReconstructKeyPair(shares, 2, unrelated.PublicKey())
	assert.ErrorIs(t, err, interfaces.ErrShardMismatch, "Mismatching public key must be detected")
}

func TestSplit_Validation(t *testing.T) {
	holders := generateHolders(t, 2)
	secret := []byte("secret")

	_, err := Split(secret, 3, participantsOf(holders))
	assert.Error(t, err, "Threshold above participant count")

	_, err = Split(secret, 0, participantsOf(holders))
	assert.Error(t, err, "Zero threshold")

	_, err = Split(nil, 1, participantsOf(holders))
	assert.Error(t, err, "Empty secret")

	dup := []Participant{holders[0].participant, holders[0].participant}
	_, err = Split(secret, 2, dup)
	assert.Error(t, err, "Duplicate participants")

	bad := []Participant{{ID: holders[0].participant.ID, PublicKey: cryptoutils.PublicKey("x")}}
	_, err = Split(secret, 1, bad)
	assert.ErrorIs(t, err, cryptoutils.ErrInvalidPublicKey)
}

func TestDecryptShard_WrongHolder(t *testing.T) {
	holders := generateHolders(t, 2)
	shards, err := Split([]byte("secret"), 1, participantsOf(holders))
	require.NoError(t, err)

	_, err = DecryptShard(holders[1].key, shards[0])
	assert.ErrorIs(t, err, interfaces.ErrDecryption)
}

package repository

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBannedImages(t *testing.T) {
	withBanRepository(t, func(r *RedisBanRepository) {
		banned, err := r.BannedImages()
		require.NoError(t, err)
		assert.Empty(t, banned)

		require.NoError(t, r.Ban("cracker:v2"))
		banned, err = r.BannedImages()
		require.NoError(t, err)
		assert.True(t, banned["cracker:v2"])
		assert.False(t, banned["unpacker:v1"])

		require.NoError(t, r.Unban("cracker:v2"))
		banned, err = r.BannedImages()
		require.NoError(t, err)
		assert.False(t, banned["cracker:v2"])
	})
}

func TestReportBlocked(t *testing.T) {
	withBanRepository(t, func(r *RedisBanRepository) {
		require.NoError(t, r.ReportBlocked("job-1", "cracker:v2"))
		require.NoError(t, r.ReportBlocked("job-2", "cracker:v2"))
		require.NoError(t, r.ClearBlocked("job-1"))

		// clearing is idempotent
		require.NoError(t, r.ClearBlocked("job-1"))

		remaining, err := r.db.HGetAll(blockedJobsKey).Result()
		require.NoError(t, err)
		assert.Len(t, remaining, 1)
		assert.Contains(t, remaining, "job-2")
	})
}

func TestReportBanCandidate(t *testing.T) {
	withBanRepository(t, func(r *RedisBanRepository) {
		require.NoError(t, r.ReportBanCandidate("hog:v1", "requests more cpu than any node"))

		candidates, err := r.db.HGetAll(banCandidatesKey).Result()
		require.NoError(t, err)
		assert.Equal(t, "requests more cpu than any node", candidates["hog:v1"])
	})
}

func withBanRepository(t *testing.T, action func(r *RedisBanRepository)) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	action(NewRedisBanRepository(client))
}

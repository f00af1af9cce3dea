package assignment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeedHash(t *testing.T) {
	require.Equal(t, int32(0), SeedHash(""))
	require.Equal(t, int32(97), SeedHash("a"))
	require.Equal(t, int32(97*31+98), SeedHash("ab"))
	// Long keys wrap instead of growing.
	require.Equal(t, SeedHash("participant_0001_with_a_long_suffix"), SeedHash("participant_0001_with_a_long_suffix"))
}

func TestNewSeededStream(t *testing.T) {
	next := NewSeeded("a")
	require.Equal(t, float64(1175363148)/4294967296, next())

	a, b := NewSeeded("p1"), NewSeeded("p1")
	for i := 0; i < 50; i++ {
		v := a()
		require.Equal(t, v, b())
		require.GreaterOrEqual(t, v, 0.0)
		require.Less(t, v, 1.0)
	}
}

func TestShuffleFisherYates(t *testing.T) {
	in := []int{1, 2, 3}
	out := Shuffle(in, func() float64 { return 0 })
	require.Equal(t, []int{2, 3, 1}, out)
	require.Equal(t, []int{1, 2, 3}, in, "input must stay untouched")

	require.Empty(t, Shuffle([]int{}, NewSeeded("x")))
}

func TestQueryAsset(t *testing.T) {
	got, err := queryAsset("bd_0000_neg", []string{"bd/images/bd_0000/1/0.png"})
	require.NoError(t, err)
	require.Equal(t, "bd/images/bd_0000/0/6.png", got)

	got, err = queryAsset("bd_0000_pos", []string{"bd/images/bd_0000/1/3.png"})
	require.NoError(t, err)
	require.Equal(t, "bd/images/bd_0000/1/6.png", got)

	_, err = queryAsset("bd_0000_pos", nil)
	require.Error(t, err)
	_, err = queryAsset("bd_0000_pos", []string{"0.png"})
	require.Error(t, err)
}

func TestRewritePrefix(t *testing.T) {
	require.Equal(t, "hd_novel/images/a/1/0.png", rewritePrefix("hd/images/a/1/0.png", "hd_novel"))
	require.Equal(t, "hd_novel/images/a/1/0.png", rewritePrefix("hd_novel/images/a/1/0.png", "hd_novel"))
	require.Equal(t, "hd/images/a/1/0.png", rewritePrefix("hd/images/a/1/0.png", ""))
}

func TestPublicPath(t *testing.T) {
	require.Equal(t, "/ShapeBongard/bd/1.png", publicPath("/ShapeBongard/", "/bd/1.png"))
	require.Equal(t, "https://cdn.example/x/bd/1.png", publicPath("https://cdn.example/x", "bd/1.png"))
	require.Equal(t, "/bd/1.png", publicPath("", "bd/1.png"))
}

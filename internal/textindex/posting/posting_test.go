package posting

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomList(r *rand.Rand, n int, span uint32) List {
	seen := make(map[PointOffset]struct{}, n)
	var l List
	for len(seen) < n {
		p := PointOffset(r.Uint32() % span)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		l.Insert(p)
	}
	return l
}

func sequential(start PointOffset, n int) List {
	l := make(List, n)
	for i := range l {
		l[i] = start + PointOffset(i)
	}
	return l
}

func bruteIntersect(lists ...List) List {
	out := List{}
	if len(lists) == 0 {
		return out
	}
	for _, p := range lists[0] {
		all := true
		for _, l := range lists[1:] {
			if !slices.Contains(l, p) {
				all = false
				break
			}
		}
		if all {
			out = append(out, p)
		}
	}
	return out
}

func TestInsertRemoveKeepsOrder(t *testing.T) {
	var l List
	for _, p := range []PointOffset{5, 1, 9, 5, 3, 9, 0} {
		l.Insert(p)
	}
	assert.Equal(t, List{0, 1, 3, 5, 9}, l)
	assert.True(t, l.IsSorted())

	assert.True(t, l.Remove(3))
	assert.False(t, l.Remove(3))
	assert.Equal(t, List{0, 1, 5, 9}, l)
	assert.True(t, l.Contains(9))
	assert.False(t, l.Contains(4))
}

func TestIntersectMatchesBruteForce(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		a := randomList(r, 1+r.Intn(300), 1000)
		b := randomList(r, 1+r.Intn(300), 1000)
		c := randomList(r, 1+r.Intn(50), 1000)

		got := Intersect(a, b, c)
		assert.Equal(t, bruteIntersect(a, b, c), got)
		assert.True(t, got.IsSorted())
	}
}

func TestIntersectEdgeCases(t *testing.T) {
	assert.Nil(t, Intersect())
	assert.Equal(t, List{}, Intersect(List{1, 2}, List{}))
	single := List{1, 2, 3}
	out := Intersect(single)
	assert.Equal(t, single, out)
	out[0] = 99
	assert.Equal(t, PointOffset(1), single[0])
}

func TestUnion(t *testing.T) {
	assert.Equal(t, List{1, 2, 3, 5, 8}, Union(List{1, 5}, List{2, 5, 8}, List{}, List{3}))
	assert.Equal(t, List{}, Union())
}

func TestEncodingRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	cases := map[string]List{
		"empty":  {},
		"single": {17},
		"zero":   {0, 1, 2},
		"sparse": randomList(r, 200, 1<<30),
		"dense":  randomList(r, 5000, 6000),
		"run":    sequential(10, 1000),
	}
	for name, list := range cases {
		t.Run(name, func(t *testing.T) {
			enc, data, err := Encode(list)
			require.NoError(t, err)

			c, err := NewCompressed(enc, data, len(list))
			require.NoError(t, err)
			decoded, err := c.Decode()
			require.NoError(t, err)
			assert.True(t, Equal(list, decoded), "encoding %s", enc)

			for _, p := range list {
				assert.True(t, c.Contains(p))
			}
			assert.False(t, c.Contains(1<<31))
		})
	}
}

func TestEncodeChoosesCompactForm(t *testing.T) {
	dense := sequential(0, 4096)
	enc, data, err := Encode(dense)
	require.NoError(t, err)
	assert.NotEqual(t, EncodingRaw, enc)
	assert.Less(t, len(data), 4*len(dense)/4)

	sparse := List{3, 1 << 20, 1 << 28}
	enc, _, err = Encode(sparse)
	require.NoError(t, err)
	assert.NotEqual(t, EncodingRoaring, enc)
}

func TestNewCompressedRejectsBadInput(t *testing.T) {
	_, err := NewCompressed(EncodingRaw, []byte{1, 2, 3}, 1)
	assert.Error(t, err)
	_, err = NewCompressed(EncodingSimple8b, []byte{1, 2, 3}, 1)
	assert.Error(t, err)
	_, err = NewCompressed(Encoding(9), nil, 0)
	assert.Error(t, err)
}

func TestPositionBlockRoundTrip(t *testing.T) {
	perPoint := []Positions{{0, 4, 9}, {}, {1}, {100000, 100001}}
	for _, repeat := range []int{1, 50} {
		var input []Positions
		for i := 0; i < repeat; i++ {
			input = append(input, perPoint...)
		}
		codec, data := EncodePositionBlock(input)
		block, err := NewPositionBlock(codec, data, len(input))
		require.NoError(t, err)
		for i, want := range input {
			got, err := block.At(i)
			require.NoError(t, err)
			assert.Equal(t, len(want), len(got))
			for j := range want {
				assert.Equal(t, want[j], got[j])
			}
		}
		_, err = block.At(len(input))
		assert.Error(t, err)
	}
}

func TestPositionBlockCompressesRepetitiveData(t *testing.T) {
	long := make(Positions, 100)
	for i := range long {
		long[i] = uint32(i)
	}
	input := make([]Positions, 50)
	for i := range input {
		input[i] = long
	}
	codec, data := EncodePositionBlock(input)
	assert.Equal(t, PositionsSnappy, codec)

	block, err := NewPositionBlock(codec, data, len(input))
	require.NoError(t, err)
	got, err := block.At(49)
	require.NoError(t, err)
	assert.Equal(t, long, got)
}

func TestPositionsAdd(t *testing.T) {
	var p Positions
	for _, off := range []uint32{4, 1, 4, 7} {
		p.Add(off)
	}
	assert.Equal(t, Positions{1, 4, 7}, p)
	assert.True(t, p.Contains(7))
	assert.False(t, p.Contains(2))
}

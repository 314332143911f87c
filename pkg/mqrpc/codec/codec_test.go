package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/randalmurphal/mqrpc/pkg/mqrpc/codec"
)

type order struct {
	ID    string   `json:"id" yaml:"id"`
	Items []string `json:"items" yaml:"items"`
	Total int      `json:"total" yaml:"total"`
}

func TestRoundTrip(t *testing.T) {
	in := order{ID: "o-1", Items: []string{"a", "b"}, Total: 42}

	for _, c := range []codec.Codec{codec.JSON, codec.YAML} {
		t.Run(c.Name(), func(t *testing.T) {
			pair := codec.For[order](c)
			data, err := pair.Serialize(in)
			require.NoError(t, err)

			out, err := pair.Deserialize(data)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestProtoPair(t *testing.T) {
	pair := codec.ProtoPair[*wrapperspb.StringValue]()

	data, err := pair.Serialize(wrapperspb.String("This is the input"))
	require.NoError(t, err)

	out, err := pair.Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, "This is the input", out.GetValue())

	_, err = pair.Deserialize([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestForProtoMessage(t *testing.T) {
	pair := codec.For[*wrapperspb.StringValue](codec.Proto)

	data, err := pair.Serialize(wrapperspb.String("This is the input"))
	require.NoError(t, err)

	out, err := pair.Deserialize(data)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "This is the input", out.GetValue())

	// Each decode gets its own message.
	again, err := pair.Deserialize(data)
	require.NoError(t, err)
	assert.NotSame(t, out, again)

	_, err = pair.Deserialize([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestProtoCodecDecodeTargets(t *testing.T) {
	data, err := codec.Proto.Encode(wrapperspb.Int64(42))
	require.NoError(t, err)

	direct := &wrapperspb.Int64Value{}
	require.NoError(t, codec.Proto.Decode(data, direct))
	assert.Equal(t, int64(42), direct.GetValue())

	var indirect *wrapperspb.Int64Value
	require.NoError(t, codec.Proto.Decode(data, &indirect))
	assert.Equal(t, int64(42), indirect.GetValue())
}

func TestProtoCodecRejectsNonMessages(t *testing.T) {
	_, err := codec.Proto.Encode("plain string")
	assert.Error(t, err)

	var s string
	assert.Error(t, codec.Proto.Decode(nil, &s))

	var ps *string
	assert.Error(t, codec.Proto.Decode(nil, &ps))

	var nilTarget **wrapperspb.StringValue
	assert.Error(t, codec.Proto.Decode(nil, nilTarget))
}

func TestDeserializeFailure(t *testing.T) {
	pair := codec.JSONPair[order]()
	_, err := pair.Deserialize([]byte("{not json"))
	assert.Error(t, err)
}

func TestStringAndBytes(t *testing.T) {
	s := codec.String()
	data, err := s.Serialize("hello")
	require.NoError(t, err)
	out, err := s.Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	b := codec.Bytes()
	raw, err := b.Serialize([]byte{1, 2, 3})
	require.NoError(t, err)
	back, err := b.Deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, back)
}

func TestByName(t *testing.T) {
	for name, want := range map[string]string{"": "json", "json": "json", "yml": "yaml", "protobuf": "proto"} {
		c, err := codec.ByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, c.Name())
	}

	_, err := codec.ByName("xml")
	assert.Error(t, err)
}

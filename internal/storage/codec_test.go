package storage_test

import (
	"testing"

	"github.com/serroba/collabtext/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestFieldsCodec(t *testing.T) {
	t.Parallel()

	in := fields(
		"body", `{"fragments":{"k1":"line"},"order":{"0":"k1"},"changes":{"0":null},"seq":3,"gen":2}`,
		"title", `"legacy"`,
		"batch", `{"changes":{"4":[{"type":"insert","position":0,"text":"a"}]}}`,
	)

	data, err := storage.EncodeFields(in)
	require.NoError(t, err)

	out, err := storage.DecodeFields(data)
	require.NoError(t, err)

	require.Len(t, out, len(in))

	// Payloads come back byte for byte, key order included
	assert.Equal(t, in, out)
}

func TestFieldsCodec_Empty(t *testing.T) {
	t.Parallel()

	data, err := storage.EncodeFields(nil)
	require.NoError(t, err)

	out, err := storage.DecodeFields(data)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFieldsCodec_Errors(t *testing.T) {
	t.Parallel()

	_, err := storage.EncodeFields(fields("body", `{not json`))
	assert.Error(t, err)

	_, err = storage.DecodeFields([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	numeric, err := proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		"body": structpb.NewNumberValue(1),
	}})
	require.NoError(t, err)

	_, err = storage.DecodeFields(numeric)
	assert.Error(t, err)
}

func TestFieldsCodec_KeepsLargeNumbers(t *testing.T) {
	t.Parallel()

	in := fields("body", `{"seq":9007199254740993,"gen":18446744073709551615}`)

	data, err := storage.EncodeFields(in)
	require.NoError(t, err)

	out, err := storage.DecodeFields(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

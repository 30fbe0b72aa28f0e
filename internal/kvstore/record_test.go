package kvstore

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		{Kind: KindSet, Key: "one", Value: "1"},
		{Kind: KindSet, Key: "", Value: ""},
		{Kind: KindRemove, Key: "one"},
		{Kind: KindSet, Key: "big", Value: strings.Repeat("x", 1<<20)},
	}

	for _, want := range cases {
		data, err := Encode(want)
		require.NoError(t, err)

		got, err := decodeOne(bytes.NewReader(data))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestDecodeStreamReportsOffsets(t *testing.T) {
	var buf bytes.Buffer
	records := []Record{
		{Kind: KindSet, Key: "a", Value: "1"},
		{Kind: KindSet, Key: "b", Value: "2"},
		{Kind: KindRemove, Key: "a"},
	}

	var starts []uint64
	for _, r := range records {
		data, err := Encode(r)
		require.NoError(t, err)
		starts = append(starts, uint64(buf.Len()))
		buf.Write(data)
	}

	dec := NewDecoder(bytes.NewReader(buf.Bytes()))
	var gotStarts []uint64
	var gotRecords []Record
	for {
		rec, start, _, err := dec.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		gotStarts = append(gotStarts, start)
		gotRecords = append(gotRecords, rec)
	}

	require.Equal(t, starts, gotStarts)
	require.Equal(t, records, gotRecords)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := decodeOne(strings.NewReader(`{"kind":"Bogus","key":"k","crc":0}`))
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	_, err := decodeOne(strings.NewReader(`{"kind":"Set","key":"k","value":"v","crc":1}`))
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDecodeTornTailIsUnexpectedEOF(t *testing.T) {
	data, err := Encode(Record{Kind: KindSet, Key: "k", Value: "value"})
	require.NoError(t, err)

	torn := data[:len(data)-3]
	dec := NewDecoder(bytes.NewReader(torn))
	_, _, _, err = dec.Next()
	require.Error(t, err)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

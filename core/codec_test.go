package core

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestEncodeAuction_ArrayLayout(t *testing.T) {
	creator := identityFor(t, 1)
	bidder := identityFor(t, 2)
	a := openItemA(t, creator)
	assert.Nil(t, a.Bid(bidder, 7))

	data, err := EncodeAuction(a)
	assert.Nil(t, err)

	// Records persist as a positional array in field order
	var fields []any
	assert.Nil(t, cbor.Unmarshal(data, &fields))
	check.Equal(t, 8, len(fields))
	check.Equal(t, any(string(creator)), fields[0])
	check.Equal(t, any("itemA"), fields[1])
	check.Equal(t, any("widget"), fields[5])
	check.Equal(t, any(string(bidder)), fields[7])

	decoded, err := DecodeAuction(data)
	assert.Nil(t, err)
	check.Equal(t, a.Creator, decoded.Creator)
	check.Equal(t, a.StartedAt, decoded.StartedAt)
	check.Equal(t, a.LastBid, decoded.LastBid)
	assert.NotNil(t, decoded.Winner)
	check.Equal(t, bidder, *decoded.Winner)
}

func TestEncodeAuction_AbsentWinner(t *testing.T) {
	a := openItemA(t, identityFor(t, 1))

	data, err := EncodeAuction(a)
	assert.Nil(t, err)

	decoded, err := DecodeAuction(data)
	assert.Nil(t, err)
	check.Nil(t, decoded.Winner)
	check.True(t, !decoded.HasEnded)

	again, err := EncodeAuction(decoded)
	assert.Nil(t, err)
	check.Equal(t, data, again)
}

func TestDecodeAuction_RejectsOversizedStrings(t *testing.T) {
	a := openItemA(t, identityFor(t, 1))
	a.Name = "far-too-long-name"

	data, err := EncodeAuction(a)
	assert.Nil(t, err)

	_, err = DecodeAuction(data)
	check.True(t, errors.Is(err, ErrMaxStrLenExceeded))
}

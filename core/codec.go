package core

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode produces deterministic encodings so equal records persist as equal bytes.
var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("core: invalid CBOR encoding options: %v", err))
	}
	return em
}

// EncodeAuction returns the persisted layout of a record.
func EncodeAuction(a *Auction) ([]byte, error) {
	data, err := encMode.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode auction: %w", err)
	}
	return data, nil
}

// DecodeAuction parses a record previously produced by EncodeAuction.
func DecodeAuction(data []byte) (*Auction, error) {
	var a Auction
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode auction: %w", err)
	}
	if len(a.Name) > MaxStrLen || len(a.NameOfItem) > MaxStrLen {
		return nil, fmt.Errorf("decode auction: %w", ErrMaxStrLenExceeded)
	}
	return &a, nil
}

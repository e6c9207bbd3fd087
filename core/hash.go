package core

import (
	"crypto/sha256"
	"fmt"
)

// Address is the storage key of an auction record.
type Address string

// DeriveAddress computes the storage address of the auction called name.
// The same namespace and name always produce the same address, so any caller can
// locate an auction without a lookup index.
//
// Formula: SHA256(namespace + "|" + name)
func DeriveAddress(namespace, name string) Address {
	hash := sha256.Sum256([]byte(namespace + "|" + name))
	return Address(fmt.Sprintf("%x", hash))
}

func (a Address) String() string {
	return string(a)
}

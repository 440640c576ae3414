package datamap

import (
	"encoding/binary"
	"fmt"
)

// EncryptionVersion identifies the data-map encryption scheme in the wire
// prefix. Version0 is the only one this core implements; any other value
// encountered on decrypt fails with ErrUnknownVersion.
type EncryptionVersion uint32

const (
	Version0 EncryptionVersion = 1
)

// ErrUnknownVersion is returned by DecryptDataMap when the wire prefix names
// an encryption version this core does not recognize.
type ErrUnknownVersion struct {
	Version uint32
}

func (e *ErrUnknownVersion) Error() string {
	return fmt.Sprintf("datamap: unrecognized encryption version %d", e.Version)
}

// EncryptDataMap serializes dm and re-encrypts it against the (parentID,
// thisID) identity pair: AES-256-CFB keyed off SHA512(parentID||thisID),
// then XORed against a cyclic 64-byte pad derived from
// SHA512(thisID||parentID) (the reversed order is deliberate — it keeps the
// XOR pad independent of the AES key/IV material). The result is prefixed
// with a little-endian u32 version tag.
func EncryptDataMap(parentID, thisID [64]byte, dm *DataMap) ([]byte, error) {
	serialized, err := Serialize(dm)
	if err != nil {
		return nil, fmt.Errorf("datamap encrypt: %w", err)
	}

	keyMaterial := Sha512Sum(append(append([]byte{}, parentID[:]...), thisID[:]...))
	aesKey := keyMaterial[0:32]
	aesIV := keyMaterial[32:48]

	padMaterial := Sha512Sum(append(append([]byte{}, thisID[:]...), parentID[:]...))

	ciphertext, err := AESCFBEncrypt(aesKey, aesIV, serialized)
	if err != nil {
		return nil, fmt.Errorf("datamap encrypt: %w", err)
	}
	obfuscated := XORCyclic(ciphertext, padMaterial[:])

	out := make([]byte, 4+len(obfuscated))
	binary.LittleEndian.PutUint32(out[0:4], uint32(Version0))
	copy(out[4:], obfuscated)
	return out, nil
}

// DecryptDataMap is the inverse of EncryptDataMap. A wrong parentID/thisID
// pair yields garbage AES-CFB keystream and, with overwhelming probability,
// a Parse failure returned as a "corrupt" error — there is no authentication tag, so
// corruption is only detected indirectly via the wire codec rejecting the
// result.
func DecryptDataMap(parentID, thisID [64]byte, encrypted []byte) (*DataMap, error) {
	if len(encrypted) < 4 {
		return nil, fmt.Errorf("datamap decrypt: encrypted blob too short (%d bytes)", len(encrypted))
	}
	version := binary.LittleEndian.Uint32(encrypted[0:4])
	if EncryptionVersion(version) != Version0 {
		return nil, &ErrUnknownVersion{Version: version}
	}
	obfuscated := encrypted[4:]

	keyMaterial := Sha512Sum(append(append([]byte{}, parentID[:]...), thisID[:]...))
	aesKey := keyMaterial[0:32]
	aesIV := keyMaterial[32:48]

	padMaterial := Sha512Sum(append(append([]byte{}, thisID[:]...), parentID[:]...))
	ciphertext := XORCyclic(obfuscated, padMaterial[:])

	serialized, err := AESCFBDecrypt(aesKey, aesIV, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("datamap decrypt: %w", err)
	}

	dm, err := Parse(serialized)
	if err != nil {
		return nil, fmt.Errorf("datamap decrypt: corrupt: %w", err)
	}
	return dm, nil
}

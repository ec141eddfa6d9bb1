package cidutil

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CIDv1RawSHA256 returns a CIDv1 string using the "raw" multicodec
// and a sha2-256 multihash.
func CIDv1RawSHA256(data []byte) string {
	id, err := CIDv1RawSHA256CID(data)
	if err != nil {
		return ""
	}
	return id.String()
}

// CIDv1RawSHA256CID returns a CIDv1 (raw + sha2-256) derived from data.
func CIDv1RawSHA256CID(data []byte) (cid.Cid, error) {
	sum, err := SHA256(data)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// SHA256 returns the sha2-256 multihash of data.
func SHA256(data []byte) (multihash.Multihash, error) {
	return multihash.Sum(data, multihash.SHA2_256, -1)
}

// SHA3_256 returns the sha3-256 multihash of data.
func SHA3_256(data []byte) (multihash.Multihash, error) {
	return multihash.Sum(data, multihash.SHA3_256, -1)
}

// RawCID wraps an existing multihash in a CIDv1 with the "raw" multicodec.
func RawCID(mh multihash.Multihash) cid.Cid {
	if len(mh) == 0 {
		return cid.Undef
	}
	return cid.NewCidV1(cid.Raw, mh)
}

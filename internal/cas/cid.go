package cas

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	// CIDLength is the rendered length of every identifier ComputeCID produces.
	CIDLength = 46

	multihashSHA256 = 0x12
	sha256Length    = 0x20
	cidV1           = 0x01
	codecRaw        = 0x55
)

var ErrInvalidCID = errors.New("cas: invalid content identifier")

// ComputeCID renders the sha2-256 multihash of content in base58btc. The
// result is a 46 character "Qm..." identifier, identical for identical bytes.
func ComputeCID(content []byte) string {
	sum := sha256.Sum256(content)
	mh := make([]byte, 0, 2+len(sum))
	mh = append(mh, multihashSHA256, sha256Length)
	mh = append(mh, sum[:]...)
	return base58.Encode(mh)
}

// Verify reports whether content hashes to cid.
func Verify(cid string, content []byte) bool {
	return cid == ComputeCID(content)
}

func multihash(cid string) ([]byte, error) {
	if len(cid) != CIDLength {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCID, cid)
	}
	mh, err := base58.Decode(cid)
	if err != nil || len(mh) != 34 || mh[0] != multihashSHA256 || mh[1] != sha256Length {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCID, cid)
	}
	return mh, nil
}

var base32Lower = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// RawCIDv1 converts an identifier into the CIDv1 raw-codec form IPFS nodes
// report for a raw block with the same multihash.
func RawCIDv1(cid string) (string, error) {
	mh, err := multihash(cid)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	buf.WriteByte(cidV1)
	buf.WriteByte(codecRaw)
	buf.Write(mh)
	return "b" + base32Lower.EncodeToString(buf.Bytes()), nil
}

package core

// CID represents binary CID bytes.
type CID struct {
	Bytes []byte
}

// Identifier is a content identifier in any form accepted at the API
// boundary: a cid.Cid (or pointer to one), its canonical string, its binary
// encoding as []byte, or a CID.
type Identifier = any

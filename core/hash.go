package core

import (
	"crypto/sha256"
	"fmt"
)

// ComputeBidCommitment computes the public commitment recorded with each bid.
// The ciphertext handle stands in for the hidden quantity, so observers can
// later check that a settled bid is the one that was placed without learning
// its size.
//
// Formula: SHA256(auction_id + "|" + bidder + "|" + tick + "|" + handle + "|" + nonce)
func ComputeBidCommitment(auctionID uint64, bidder string, tick uint64, handleHex, nonce string) string {
	data := fmt.Sprintf("%d|%s|%d|%s|%s", auctionID, bidder, tick, handleHex, nonce)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ComputeResultHash computes the digest of a decryption result that the
// gateway embeds in its signed proof payload. Verifiers recompute it from the
// returned cleartexts to tie the proof to exactly this result.
//
// Formula: SHA256(request_id + "|" + cleartext1 + "|" + ... + "|" + nonce)
func ComputeResultHash(requestID string, cleartexts []uint64, nonce string) string {
	data := requestID
	for _, v := range cleartexts {
		data += fmt.Sprintf("|%d", v)
	}
	data += "|" + nonce
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

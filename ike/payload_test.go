package ike

import "testing"

func TestEncodeDecodeChainRoundTrip(t *testing.T) {
	sa := SAPayload{
		DOI:       1,
		Situation: 1,
		Proposals: []ProposalPayload{{
			Number:     1,
			ProtocolID: ProtoISAKMP,
			SPI:        []byte{1, 2, 3, 4, 5, 6, 7, 8},
			Transforms: []TransformPayload{{
				Number:      1,
				TransformID: 1,
				Attributes: []Attribute{
					{Type: 1, Value: []byte{0, 1}},
					{Type: 2, Value: []byte{0, 1, 2, 3}},
				},
			}},
		}},
	}
	id := IDPayload{IDType: IDIPv4Addr, Data: []byte{10, 0, 0, 1}}
	chain := Chain{
		{Kind: PayloadSA, SA: &sa},
		{Kind: PayloadNonce, Nonce: []byte("abcdefgh")},
		{Kind: PayloadID, ID: &id},
		{Kind: PayloadHash, Hash: []byte("0123456789012345678")},
	}
	encoded := EncodeChain(chain)

	decoded, err := DecodeChain(PayloadSA, encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(chain) {
		t.Fatalf("want %d payloads, got %d", len(chain), len(decoded))
	}
	if decoded[0].Kind != PayloadSA || len(decoded[0].SA.Proposals) != 1 {
		t.Fatalf("SA payload not round-tripped: %+v", decoded[0])
	}
	prop := decoded[0].SA.Proposals[0]
	if prop.ProtocolID != ProtoISAKMP || len(prop.Transforms) != 1 {
		t.Fatalf("proposal not round-tripped: %+v", prop)
	}
	if len(prop.Transforms[0].Attributes) != 2 {
		t.Fatalf("transform attributes not round-tripped: %+v", prop.Transforms[0])
	}
	if string(decoded[1].Nonce) != "abcdefgh" {
		t.Fatalf("nonce not round-tripped: %q", decoded[1].Nonce)
	}
	wantIPData := []byte{10, 0, 0, 1}
	if decoded[2].ID.IDType != IDIPv4Addr || !bytesEqual(decoded[2].ID.Data, wantIPData) {
		t.Fatalf("ID payload not round-tripped: %+v", decoded[2].ID)
	}
	if string(decoded[3].Hash) != "0123456789012345678" {
		t.Fatalf("hash payload not round-tripped: %q", decoded[3].Hash)
	}
}

func TestDecodeChainRejectsTruncated(t *testing.T) {
	_, err := DecodeChain(PayloadSA, []byte{0, 0, 0, 10, 1, 2})
	if err == nil {
		t.Fatal("want error decoding truncated chain")
	}
}

func TestAttributeTVandTLV(t *testing.T) {
	attrs := []Attribute{
		{Type: 4, Value: []byte{0, 5}},          // TV-encoded
		{Type: 11, Value: []byte{1, 2, 3, 4, 5}}, // TLV-encoded
	}
	encoded := encodeAttributes(attrs)
	decoded, err := decodeAttributes(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 {
		t.Fatalf("want 2 attributes, got %d", len(decoded))
	}
	if decoded[0].Type != 4 || len(decoded[0].Value) != 2 {
		t.Fatalf("TV attribute mismatch: %+v", decoded[0])
	}
	if decoded[1].Type != 11 || len(decoded[1].Value) != 5 {
		t.Fatalf("TLV attribute mismatch: %+v", decoded[1])
	}
}

package ike

import "testing"

func TestDeriveKeysProducesDistinctKeys(t *testing.T) {
	skeyid := []byte("skeyid-material-0123456789")
	gxy := []byte("shared-secret-material")
	ckyI := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ckyR := []byte{8, 7, 6, 5, 4, 3, 2, 1}

	dk := DeriveKeys(skeyid, gxy, ckyI, ckyR, 8)
	if bytesEqual(dk.SKEYIDd, dk.SKEYIDa) || bytesEqual(dk.SKEYIDa, dk.SKEYIDe) || bytesEqual(dk.SKEYIDd, dk.SKEYIDe) {
		t.Fatal("SKEYID_d/a/e must be distinct")
	}
	if len(dk.SKEYIDe) < 8 {
		t.Fatalf("SKEYID_e too short for 3DES: got %d bytes", len(dk.SKEYIDe))
	}

	dk24 := DeriveKeys(skeyid, gxy, ckyI, ckyR, 24)
	if len(dk24.SKEYIDe) < 24 {
		t.Fatalf("SKEYID_e not expanded for 3DES: got %d bytes", len(dk24.SKEYIDe))
	}
}

func TestHashIandHashRDiffer(t *testing.T) {
	skeyid := []byte("skeyid")
	gx := []byte("gx-value")
	gy := []byte("gy-value")
	ckyI := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	ckyR := []byte{2, 2, 2, 2, 2, 2, 2, 2}
	saBody := []byte("sa-body")
	idBody := []byte("id-body")

	hi := HashI(skeyid, gx, gy, ckyI, ckyR, saBody, idBody)
	hr := HashR(skeyid, gy, gx, ckyR, ckyI, saBody, idBody)
	if bytesEqual(hi, hr) {
		t.Fatal("HASH_I and HASH_R must differ when inputs are swapped per side")
	}
	if len(hi) != 20 || len(hr) != 20 {
		t.Fatalf("expected 20-byte SHA-1 HMAC output, got %d and %d", len(hi), len(hr))
	}
}

func TestPhase1IVDependsOnBothPublicValues(t *testing.T) {
	gx := []byte("public-value-x")
	gy := []byte("public-value-y")
	iv1 := Phase1IV(gx, gy)
	iv2 := Phase1IV(gy, gx)
	if bytesEqual(iv1, iv2) {
		t.Fatal("Phase1IV must depend on argument order (gx|gy vs gy|gx)")
	}
	if len(iv1) != 8 {
		t.Fatalf("want 8-byte IV (DES/3DES block size), got %d", len(iv1))
	}
}

func TestPhase2IVVariesByMessageID(t *testing.T) {
	base := Phase1IV([]byte("gx"), []byte("gy"))
	iv1 := Phase2IV(base, 1)
	iv2 := Phase2IV(base, 2)
	if bytesEqual(iv1, iv2) {
		t.Fatal("Phase2IV must vary with message ID")
	}
}

func TestQuickHashesAreIndependent(t *testing.T) {
	skeyidA := []byte("skeyid-a")
	h1 := QuickHash1(skeyidA, 42, []byte("sa"), []byte("ni"))
	h2 := QuickHash2(skeyidA, 42, []byte("ni"), []byte("sa"), []byte("nr"))
	h3 := QuickHash3(skeyidA, 42, []byte("ni"), []byte("nr"))
	if bytesEqual(h1, h2) || bytesEqual(h2, h3) || bytesEqual(h1, h3) {
		t.Fatal("HASH(1)/HASH(2)/HASH(3) must be distinct")
	}
}

func TestDeriveKeymatSplitsEncAndHMACKeys(t *testing.T) {
	skeyidD := []byte("skeyid-d-material")
	spi := []byte{1, 2, 3, 4}
	niPrime := []byte("ni-prime")
	nrPrime := []byte("nr-prime")

	km := DeriveKeymat(skeyidD, 3, spi, niPrime, nrPrime, 24, 20)
	if len(km.EncryptKey) != 24 {
		t.Fatalf("want 24-byte encrypt key, got %d", len(km.EncryptKey))
	}
	if len(km.HMACKey) != 20 {
		t.Fatalf("want 20-byte HMAC key, got %d", len(km.HMACKey))
	}
	if bytesEqual(km.EncryptKey, km.HMACKey[:min(len(km.EncryptKey), len(km.HMACKey))]) {
		t.Fatal("encrypt and HMAC key material must not overlap")
	}
}

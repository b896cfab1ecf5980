package field

import (
	"math/big"
	"testing"
)

func TestCanonicalZero(t *testing.T) {
	if Canonical([32]byte{}) != ([32]byte{}) {
		t.Fatal("zero digest should encode as 32 zero bytes")
	}
}

func TestBigIntRoundTrip(t *testing.T) {
	values := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(1 << 40),
		new(big.Int).Lsh(big.NewInt(1), 250),
	}
	for _, v := range values {
		digest := FromBigInt(v)
		back := ToBigInt(digest)
		if back.Cmp(new(big.Int).Mod(v, modulus())) != 0 {
			t.Fatalf("round trip of %v gave %v", v, back)
		}
	}
}

func TestFromBytes(t *testing.T) {
	digest, err := FromBytes([]byte{0x01, 0x02})
	if err != nil {
		t.Fatal(err)
	}
	if got := ToBigInt(digest); got.Int64() != 0x0102 {
		t.Fatalf("FromBytes gave %v", got)
	}

	if _, err := FromBytes(make([]byte, 33)); err == nil {
		t.Fatal("expected error for oversized input")
	}
}

func modulus() *big.Int {
	m, _ := new(big.Int).SetString("21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)
	return m
}

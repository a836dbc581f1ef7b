package ecc

import (
	"crypto/elliptic"
	"math/big"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/blake2b"
	"lukechampine.com/frand"
)

// #############################################################################

const DefaultDST = "ECDH-MPSI-V01-CS02-with-"

var ErrInvalidPoint = errors.New("invalid curve point encoding")

// Suite bundles the curve operations the PSI roles need. Points travel as
// SEC1 compressed encodings, scalars as big-endian bytes.
type Suite struct {
	curve     elliptic.Curve
	h2c       *HtoCParams
	domainSep string
}

func NewSuite(name string) (*Suite, error) {
	return newSuite(name, DefaultDST+name)
}

// NewTestSuite uses the RFC 9380 test-vector domain tag.
func NewTestSuite(name string) (*Suite, error) {
	return newSuite(name, "")
}

func newSuite(name, dst string) (*Suite, error) {
	params, err := NewHtoCParams(name, dst)
	if err != nil {
		return nil, err
	}
	return &Suite{
		curve:     params.Curve,
		h2c:       params,
		domainSep: "ECDH-MPSI",
	}, nil
}

// SuiteByCurve maps a curve name (P256, P384, P521) to its suite.
func SuiteByCurve(curve string) (*Suite, error) {
	switch curve {
	case "", "P256", "p256", "P-256":
		return NewSuite(SuiteP256)
	case "P384", "p384", "P-384":
		return NewSuite(SuiteP384)
	case "P521", "p521", "P-521":
		return NewSuite(SuiteP521)
	}
	return nil, errors.Newf("unsupported curve %q", curve)
}

func (s *Suite) Curve() elliptic.Curve {
	return s.curve
}

func (s *Suite) PointSize() int {
	return (s.curve.Params().BitSize+7)/8 + 1
}

// #############################################################################

func (s *Suite) Hash(data []byte) []byte {
	return BLAKE2B(data, s.domainSep)
}

func (s *Suite) GenerateRandomScalar() ([]byte, error) {
	n := s.curve.Params().N
	var bound big.Int
	bound.Sub(n, one)
	k := frand.BigIntn(&bound)
	k.Add(k, one)
	return k.FillBytes(make([]byte, (n.BitLen()+7)/8)), nil
}

func (s *Suite) HashToCurve(data []byte) ([]byte, error) {
	x, y, err := s.h2c.HashToCurve(data)
	if err != nil {
		return nil, err
	}
	return elliptic.MarshalCompressed(s.curve, x, y), nil
}

func (s *Suite) ECMultiply(point, scalar []byte) ([]byte, error) {
	x, y := elliptic.UnmarshalCompressed(s.curve, point)
	if x == nil {
		return nil, errors.Wrapf(ErrInvalidPoint, "%d bytes", len(point))
	}
	if len(scalar) == 0 {
		return nil, errors.New("empty scalar")
	}
	rx, ry := s.curve.ScalarMult(x, y, scalar)
	if rx.Sign() == 0 && ry.Sign() == 0 {
		return nil, errors.New("scalar multiplication reached the point at infinity")
	}
	return elliptic.MarshalCompressed(s.curve, rx, ry), nil
}

// #############################################################################

func BLAKE2B(msg []byte, domainSep string) []byte {
	h := blake2b.Sum256(append([]byte(domainSep), msg...))
	return h[:]
}

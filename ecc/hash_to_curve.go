package ecc

import (
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/sha512"
	"math"
	"math/big"

	"github.com/cockroachdb/errors"
)

/* -------------------------------------------------------------------------- */

var (
	one   = big.NewInt(1)
	two   = big.NewInt(2)
	three = big.NewInt(3)
	four  = big.NewInt(4)
)

const (
	SuiteP256 = "P256_XMD:SHA-256_SSWU_RO_"
	SuiteP384 = "P384_XMD:SHA-384_SSWU_RO_"
	SuiteP521 = "P521_XMD:SHA-512_SSWU_RO_"
)

/* -------------------------------------------------------------------------- */

type HashFunction func([]byte) []byte

// HtoCParams holds one RFC 9380 random-oracle suite over a short Weierstrass
// NIST curve with q = 3 mod 4.
type HtoCParams struct {
	Curve      elliptic.Curve
	A, B, q, Z *big.Int
	DST        []byte
	k, m, L, h int
	H          HashFunction
	b, s       int

	c1, c2 *big.Int
}

// NewHtoCParams returns the parameters of suite. An empty dst selects the
// suite's test-vector tag.
func NewHtoCParams(suite string, dst string) (*HtoCParams, error) {
	var p HtoCParams
	var ok bool

	switch suite {
	case SuiteP256:
		p.Curve = elliptic.P256()
		p.B, ok = new(big.Int).SetString("5ac635d8aa3a93e7b3ebbd55769886bc651d06b0cc53b0f63bce3c3e27d2604b", 16)
		p.Z = big.NewInt(-10)
		p.k, p.H, p.b, p.s = 128, SHA256, 32, 64
	case SuiteP384:
		p.Curve = elliptic.P384()
		p.B, ok = new(big.Int).SetString("b3312fa7e23ee7e4988e056be3f82d19181d9c6efe8141120314088f5013875ac656398d8a2ed19d2a85c8edd3ec2aef", 16)
		p.Z = big.NewInt(-12)
		p.k, p.H, p.b, p.s = 192, SHA384, 48, 128
	case SuiteP521:
		p.Curve = elliptic.P521()
		p.B, ok = new(big.Int).SetString("51953eb9618e1c9a1f929a21a0b68540eea2da725b99b315f3b8b489918ef109e156193951ec7e937b1652c0bd3bb1bf073573df883d2c34f1ef451fd46b503f00", 16)
		p.Z = big.NewInt(-4)
		p.k, p.H, p.b, p.s = 256, SHA512, 64, 128
	default:
		return nil, errors.Newf("unsupported hash to curve suite %q", suite)
	}
	if !ok {
		return nil, errors.Newf("bad curve constant for suite %q", suite)
	}

	p.A = big.NewInt(-3)
	p.q = p.Curve.Params().P
	p.m, p.h = 1, 1
	if dst == "" {
		dst = "QUUX-V01-CS02-with-" + suite
	}
	p.DST = []byte(dst)
	p.L = int(math.Ceil(float64(p.q.BitLen()+p.k) / 8)) // expansion size in bytes

	// sqrt_ratio constants for q = 3 mod 4
	p.c1 = new(big.Int).Sub(p.q, three)
	p.c1.Div(p.c1, four)
	p.c2 = Sqrt(new(big.Int).Neg(p.Z), p.q)
	return &p, nil
}

/* -------------------------------------------------------------------------- */

// big endian
func I2OSP(val, length int) []byte {
	ret := make([]byte, length)
	for i := length - 1; i >= 0 && val > 0; i-- {
		ret[i] = byte(val)
		val >>= 8
	}
	return ret
}

// big endian
func OS2IP(octets []byte) *big.Int {
	return new(big.Int).SetBytes(octets)
}

func Sgn0(x, p *big.Int) uint {
	var r big.Int
	return r.Mod(x, p).Bit(0)
}

func Sqrt(x, p *big.Int) *big.Int {
	var exp big.Int
	exp.Add(p, one)
	exp.Div(&exp, four)
	return new(big.Int).Exp(x, &exp, p)
}

func SHA256(msg []byte) []byte {
	ret := sha256.Sum256(msg)
	return ret[:]
}

func SHA384(msg []byte) []byte {
	ret := sha512.Sum384(msg)
	return ret[:]
}

func SHA512(msg []byte) []byte {
	ret := sha512.Sum512(msg)
	return ret[:]
}

func XOR(a, b []byte) []byte {
	ret := make([]byte, len(a))
	for i := range a {
		ret[i] = a[i] ^ b[i]
	}
	return ret
}

/* -------------------------------------------------------------------------- */

func (params *HtoCParams) SqrtRatio3Mod4(u, v *big.Int) (bool, *big.Int) {
	var tv1, tv2, tv3, y1, y2, uq big.Int
	q := params.q

	//    1. tv1 = v^2
	tv1.Exp(v, two, q)
	//    2. tv2 = u * v
	tv2.Mul(u, v)
	//    3. tv1 = tv1 * tv2
	tv1.Mul(&tv1, &tv2)
	//    4. y1 = tv1^c1
	y1.Exp(&tv1, params.c1, q)
	//    5. y1 = y1 * tv2
	y1.Mul(&y1, &tv2)
	//    6. y2 = y1 * c2
	y2.Mul(&y1, params.c2)
	//    7. tv3 = y1^2
	tv3.Exp(&y1, two, q)
	//    8. tv3 = tv3 * v
	tv3.Mul(&tv3, v)
	//    9. isQR = tv3 == u
	tv3.Mod(&tv3, q)
	uq.Mod(u, q)
	isQR := tv3.Cmp(&uq) == 0
	//    10. y = CMOV(y2, y1, isQR)
	if isQR {
		return true, &y1
	}
	return false, &y2
}

// From https://www.rfc-editor.org/rfc/rfc9380#section-5.2

func (params *HtoCParams) HashToField(msg []byte, count int) []*big.Int {
	lenInBytes := count * params.m * params.L
	uniform := params.ExpandMessageXMD(msg, lenInBytes)
	u := make([]*big.Int, count)
	for i := 0; i < count; i++ {
		offset := params.L * i
		u[i] = OS2IP(uniform[offset : offset+params.L])
		u[i].Mod(u[i], params.q)
	}
	return u
}

func (params *HtoCParams) ExpandMessageXMD(msg []byte, lenInBytes int) []byte {
	// 1.  ell = ceil(len_in_bytes / b_in_bytes)
	ell := (lenInBytes + params.b - 1) / params.b
	// 2.  ABORT if ell > 255
	if ell > 255 || lenInBytes > 65535 {
		panic("expand_message_xmd: requested length too large")
	}
	// 3.  DST_prime = DST || I2OSP(len(DST), 1)
	dstPrime := append(append([]byte{}, params.DST...), I2OSP(len(params.DST), 1)...)
	// 4.  Z_pad = I2OSP(0, s_in_bytes)
	// 5.  l_i_b_str = I2OSP(len_in_bytes, 2)
	// 6.  msg_prime = Z_pad || msg || l_i_b_str || I2OSP(0, 1) || DST_prime
	msgPrime := make([]byte, 0, params.s+len(msg)+3+len(dstPrime))
	msgPrime = append(msgPrime, I2OSP(0, params.s)...)
	msgPrime = append(msgPrime, msg...)
	msgPrime = append(msgPrime, I2OSP(lenInBytes, 2)...)
	msgPrime = append(msgPrime, 0)
	msgPrime = append(msgPrime, dstPrime...)
	// 7.  b_0 = H(msg_prime)
	b0 := params.H(msgPrime)
	// 8.  b_1 = H(b_0 || I2OSP(1, 1) || DST_prime)
	bi := params.H(concat(b0, []byte{1}, dstPrime))
	uniform := append([]byte{}, bi...)
	// 9.  for i in (2, ..., ell):
	for i := 2; i <= ell; i++ {
		// 10.    b_i = H(strxor(b_0, b_(i - 1)) || I2OSP(i, 1) || DST_prime)
		bi = params.H(concat(XOR(b0, bi), []byte{byte(i)}, dstPrime))
		// 11. uniform_bytes = b_1 || ... || b_ell
		uniform = append(uniform, bi...)
	}
	// 12. return substr(uniform_bytes, 0, len_in_bytes)
	return uniform[:lenInBytes]
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	ret := make([]byte, 0, n)
	for _, p := range parts {
		ret = append(ret, p...)
	}
	return ret
}

func (params *HtoCParams) MapToCurveSSWU(u *big.Int) (*big.Int, *big.Int) {
	var tv1, tv2, tv3, tv4, tv5, tv6, x, y big.Int
	q := params.q

	//  1.  tv1 = u^2
	tv1.Exp(u, two, q)
	//  2.  tv1 = Z * tv1
	tv1.Mul(params.Z, &tv1)
	//  3.  tv2 = tv1^2
	tv2.Exp(&tv1, two, q)
	//  4.  tv2 = tv2 + tv1
	tv2.Add(&tv2, &tv1)
	//  5.  tv3 = tv2 + 1
	tv3.Add(&tv2, one)
	//  6.  tv3 = B * tv3
	tv3.Mul(params.B, &tv3)
	//  7.  tv4 = CMOV(Z, -tv2, tv2 != 0)
	tv2.Mod(&tv2, q)
	if tv2.Sign() != 0 {
		tv4.Neg(&tv2)
	} else {
		tv4.Set(params.Z)
	}
	//  8.  tv4 = A * tv4
	tv4.Mul(params.A, &tv4)
	//  9.  tv2 = tv3^2
	tv2.Exp(&tv3, two, q)
	//  10. tv6 = tv4^2
	tv6.Exp(&tv4, two, q)
	//  11. tv5 = A * tv6
	tv5.Mul(params.A, &tv6)
	//  12. tv2 = tv2 + tv5
	tv2.Add(&tv2, &tv5)
	//  13. tv2 = tv2 * tv3
	tv2.Mul(&tv2, &tv3)
	//  14. tv6 = tv6 * tv4
	tv6.Mul(&tv6, &tv4)
	//  15. tv5 = B * tv6
	tv5.Mul(params.B, &tv6)
	//  16. tv2 = tv2 + tv5
	tv2.Add(&tv2, &tv5)
	//  17.   x = tv1 * tv3
	x.Mul(&tv1, &tv3)
	//  18. (is_gx1_square, y1) = sqrt_ratio(tv2, tv6)
	isGx1Square, y1 := params.SqrtRatio3Mod4(&tv2, &tv6)
	//  19.   y = tv1 * u
	y.Mul(&tv1, u)
	//  20.   y = y * y1
	y.Mul(&y, y1)
	//  21.   x = CMOV(x, tv3, is_gx1_square)
	//  22.   y = CMOV(y, y1, is_gx1_square)
	if isGx1Square {
		x.Set(&tv3)
		y.Set(y1)
	}
	//  23.  e1 = sgn0(u) == sgn0(y)
	//  24.   y = CMOV(-y, y, e1)
	if Sgn0(u, q) != Sgn0(&y, q) {
		y.Neg(&y)
	}
	//  25.   x = x / tv4
	tv4.ModInverse(&tv4, q)
	x.Mul(&x, &tv4)
	//  26. return (x, y)
	x.Mod(&x, q)
	y.Mod(&y, q)
	return &x, &y
}

// HashToCurve implements hash_to_curve from RFC 9380 section 3. All suites
// here have cofactor 1, so clear_cofactor is the identity.
func (params *HtoCParams) HashToCurve(msg []byte) (*big.Int, *big.Int, error) {
	u := params.HashToField(msg, 2)

	x0, y0 := params.MapToCurveSSWU(u[0])
	x1, y1 := params.MapToCurveSSWU(u[1])
	if !params.Curve.IsOnCurve(x0, y0) || !params.Curve.IsOnCurve(x1, y1) {
		return nil, nil, errors.New("hash to curve: mapped point is not on the curve")
	}

	x, y := params.Curve.Add(x0, y0, x1, y1)
	return x, y, nil
}

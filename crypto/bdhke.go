package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nip60-cashu/walletengine/walleterr"
)

// maxHashToCurveIterations bounds the counter walk in HashToCurve. Hitting
// it means 1000 consecutive candidate scalars all landed outside the curve
// order, which is probabilistically unreachable and signals a bug upstream.
const maxHashToCurveIterations = 1000

// HashToCurve deterministically maps message to a point on secp256k1: it
// repeatedly hashes message with a little-endian counter appended and
// interprets the digest as a scalar, returning the scalar's public point as
// soon as one digest falls inside the curve order.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	buf := make([]byte, len(message)+4)
	copy(buf, message)

	for counter := uint32(0); counter < maxHashToCurveIterations; counter++ {
		binary.LittleEndian.PutUint32(buf[len(message):], counter)
		digest := sha256.Sum256(buf)

		var scalar secp256k1.ModNScalar
		digestArr := [32]byte(digest)
		overflow := scalar.SetBytes(&digestArr)
		if overflow != 0 || scalar.IsZero() {
			continue
		}

		var point secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&scalar, &point)
		point.ToAffine()
		return secp256k1.NewPublicKey(&point.X, &point.Y), nil
	}

	return nil, fmt.Errorf("%w: hash_to_curve exhausted %d iterations", walleterr.ErrInternal, maxHashToCurveIterations)
}

// BlindMessage computes B_ = Y + rG for secret, using the supplied blinding
// factor r, or a fresh random one when r is nil.
func BlindMessage(secret []byte, r *secp256k1.PrivateKey) (*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {
	Y, err := HashToCurve(secret)
	if err != nil {
		return nil, nil, err
	}

	if r == nil {
		r, err = secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, fmt.Errorf("generating blinding factor: %w", err)
		}
	}

	var yPoint, rPoint, blinded secp256k1.JacobianPoint
	Y.AsJacobian(&yPoint)
	r.PubKey().AsJacobian(&rPoint)
	secp256k1.AddNonConst(&yPoint, &rPoint, &blinded)
	blinded.ToAffine()

	return secp256k1.NewPublicKey(&blinded.X, &blinded.Y), r, nil
}

// SignBlindedMessage computes C_ = kB_, the mint-side half of BDHKE.
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bPoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bPoint)
	secp256k1.ScalarMultNonConst(&k.Key, &bPoint, &result)
	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

// UnblindSignature removes the blinding factor from the mint's signature:
// C = C_ - rK.
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey, K *secp256k1.PublicKey) *secp256k1.PublicKey {
	var kPoint, rkPoint, cPoint, result secp256k1.JacobianPoint
	K.AsJacobian(&kPoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)
	secp256k1.ScalarMultNonConst(&rNeg, &kPoint, &rkPoint)

	C_.AsJacobian(&cPoint)
	secp256k1.AddNonConst(&cPoint, &rkPoint, &result)
	result.ToAffine()

	return secp256k1.NewPublicKey(&result.X, &result.Y)
}

// Verify checks that C == k*HashToCurve(secret), i.e. that k is the private
// key behind the mint's signature over secret.
func Verify(secret []byte, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) (bool, error) {
	Y, err := HashToCurve(secret)
	if err != nil {
		return false, err
	}

	var yPoint, result secp256k1.JacobianPoint
	Y.AsJacobian(&yPoint)
	secp256k1.ScalarMultNonConst(&k.Key, &yPoint, &result)
	result.ToAffine()

	return C.IsEqual(secp256k1.NewPublicKey(&result.X, &result.Y)), nil
}

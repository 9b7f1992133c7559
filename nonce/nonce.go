// Single-use nonces for DPoP proofs and the nonce endpoint.
package nonce

import "errors"

var ErrNotFound = errors.New("nonce: not found or already redeemed")

type Options struct {
	ExpirySeconds int64
}

// Service hands out single-use nonces. Redeem succeeds at most once per
// nonce.
type Service interface {
	Get() (string, error)
	Redeem(nonceStr string) error
}

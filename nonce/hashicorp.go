package nonce

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-secure-stdlib/nonceutil"
)

// HashicorpNonceService issues signed in-memory nonces. Suitable for a
// single-instance deployment; clustered setups use the Valkey variant.
type HashicorpNonceService struct {
	nonceService nonceutil.NonceService
}

// NewHashicorpNonceService issues nonces valid for options.ExpirySeconds,
// falling back to the library default when zero.
func NewHashicorpNonceService(options Options) (*HashicorpNonceService, error) {
	var nonceService nonceutil.NonceService
	if options.ExpirySeconds > 0 {
		nonceService = nonceutil.NewNonceServiceWithValidity(time.Duration(options.ExpirySeconds) * time.Second)
	} else {
		nonceService = nonceutil.NewNonceService()
	}
	if err := nonceService.Initialize(); err != nil {
		return nil, fmt.Errorf("could not initialize nonce service: %w", err)
	}
	return &HashicorpNonceService{nonceService: nonceService}, nil
}

func (s *HashicorpNonceService) Get() (string, error) {
	nonceStr, _, err := s.nonceService.Get()
	if err != nil {
		return "", err
	}
	return nonceStr, nil
}

func (s *HashicorpNonceService) Redeem(nonceStr string) error {
	if !s.nonceService.Redeem(nonceStr) {
		return ErrNotFound
	}
	return nil
}

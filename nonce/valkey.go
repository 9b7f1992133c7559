package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

const nonceBits = 256

// ValkeyNonceService shares nonces across instances through Valkey. Redeem
// uses GETDEL, so two instances racing on the same nonce see one success.
type ValkeyNonceService struct {
	options      Options
	valkeyClient valkey.Client
}

func NewValkeyNonceService(valkeyClient valkey.Client, options Options) (*ValkeyNonceService, error) {
	if options.ExpirySeconds <= 0 {
		options.ExpirySeconds = 300
	}
	return &ValkeyNonceService{
		options:      options,
		valkeyClient: valkeyClient,
	}, nil
}

func (v *ValkeyNonceService) Get() (string, error) {
	randomBytes := make([]byte, nonceBits/8)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	nonceStr := base64.RawURLEncoding.EncodeToString(randomBytes)

	ctx := context.Background()
	expiry := time.Duration(v.options.ExpirySeconds) * time.Second
	cmd := v.valkeyClient.B().Set().Key("nonce:" + nonceStr).Value("").Ex(expiry).Build()
	if err := v.valkeyClient.Do(ctx, cmd).Error(); err != nil {
		return "", fmt.Errorf("storing nonce in Valkey: %w", err)
	}
	return nonceStr, nil
}

func (v *ValkeyNonceService) Redeem(nonceStr string) error {
	ctx := context.Background()
	cmd := v.valkeyClient.B().Getdel().Key("nonce:" + nonceStr).Build()
	if err := v.valkeyClient.Do(ctx, cmd).Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return ErrNotFound
		}
		return fmt.Errorf("redeeming nonce in Valkey: %w", err)
	}
	return nil
}

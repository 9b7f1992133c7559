package oauth2server

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/JanssenProject/jans-sub052/dpop"
)

const clientCertHeaderName = "X-ClientCert"

// proofMaxAge bounds how old a DPoP proof iat may be.
const proofMaxAge = 5 * time.Minute

const tokenBindingsContextKey = "token_bindings"

// tokenBindings carries the key material a token request proved possession
// of. The thumbprints end up in the cnf claim of the minted access token.
type tokenBindings struct {
	JWKThumbprint         string
	CertificateThumbprint string
}

func requestBindings(c echo.Context) *tokenBindings {
	if bindings, ok := c.Get(tokenBindingsContextKey).(*tokenBindings); ok {
		return bindings
	}
	return &tokenBindings{}
}

// verifyTokenBindings validates the DPoP proof and forwarded client
// certificate of a token request, when present. Both are optional.
func (s *Server) verifyTokenBindings(c echo.Context) (*tokenBindings, *Error) {
	bindings := &tokenBindings{}
	r := c.Request()

	if proofValue := r.Header.Get(dpop.HeaderName); proofValue != "" {
		proof, err := dpop.Parse(proofValue)
		if err != nil {
			return nil, invalidDpopProof(err.Error())
		}
		if proof.HTTPMethod != r.Method {
			return nil, invalidDpopProof("htm does not match the request")
		}
		if !matchesRequestPath(proof.HTTPURI, r.URL.Path) {
			return nil, invalidDpopProof("htu does not match the request")
		}
		if time.Since(proof.IssuedAt) > proofMaxAge {
			return nil, invalidDpopProof("proof is too old")
		}
		if proof.Nonce != "" {
			if err := s.nonceService.Redeem(proof.Nonce); err != nil {
				return nil, invalidDpopProof("invalid nonce")
			}
		}
		bindings.JWKThumbprint = proof.KeyThumbprint
	}

	if certHeader := r.Header.Get(clientCertHeaderName); certHeader != "" {
		thumbprint, err := certificateThumbprint(certHeader)
		if err != nil {
			return nil, invalidRequest(fmt.Errorf("invalid client certificate: %w", err).Error())
		}
		bindings.CertificateThumbprint = thumbprint
	}

	return bindings, nil
}

func invalidDpopProof(description string) *Error {
	return &Error{
		HttpStatus:  http.StatusBadRequest,
		Code:        ErrorCodeInvalidDpopProof,
		Description: description,
	}
}

// matchesRequestPath compares the htu claim against the served path only,
// so proofs survive TLS-terminating proxies rewriting scheme and host.
func matchesRequestPath(htu, path string) bool {
	parsed, err := url.Parse(htu)
	if err != nil {
		return false
	}
	return strings.TrimSuffix(parsed.Path, "/") == strings.TrimSuffix(path, "/")
}

// certificateThumbprint computes the base64url SHA-256 digest of a DER
// certificate forwarded by a reverse proxy as URL-escaped PEM.
func certificateThumbprint(headerValue string) (string, error) {
	unescaped, err := url.QueryUnescape(headerValue)
	if err != nil {
		return "", fmt.Errorf("unable to unescape certificate: %w", err)
	}
	block, _ := pem.Decode([]byte(unescaped))
	if block == nil {
		return "", fmt.Errorf("no PEM block found")
	}
	certificate, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("unable to parse certificate: %w", err)
	}
	digest := sha256.Sum256(certificate.Raw)
	return base64.RawURLEncoding.EncodeToString(digest[:]), nil
}

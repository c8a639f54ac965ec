package keycache

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/wudi/fabric/internal/config"
	"go.uber.org/zap"
)

// fetch retrieves and parses a source's key material into records.
func (c *Cache) fetch(ctx context.Context, src config.KeySourceConfig) ([]Record, error) {
	var material []byte
	if src.URL != "" {
		data, err := c.download(ctx, src)
		if err != nil {
			return nil, err
		}
		material = data
	} else {
		material = []byte(src.Inline)
	}

	now := time.Now()
	switch src.Type {
	case "JWKS":
		return c.parseJWKS(material, src.ID, now)
	case "PEM-CERT":
		return parsePEMCert(material, src.ID, now)
	case "PEM-PUBKEY":
		return parsePEMPublicKey(material, src.ID, now)
	case "RAW":
		return parseRawKey(material, src.ID, now)
	default:
		return nil, fmt.Errorf("key source %s: unsupported type %q", src.ID, src.Type)
	}
}

func (c *Cache) download(ctx context.Context, src config.KeySourceConfig) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}

	switch src.AuthType {
	case "BASIC":
		req.SetBasicAuth(src.Credentials.Username, src.Credentials.Password)
	case "CLIENT_CREDENTIALS":
		token, err := c.clientCredentialsToken(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("token fetch for source %s: %w", src.ID, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key source %s: unexpected status %d", src.ID, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// clientCredentialsToken performs the client_credentials grant against the
// source's token endpoint and returns the access token.
func (c *Cache) clientCredentialsToken(ctx context.Context, src config.KeySourceConfig) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		src.Credentials.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(src.Credentials.Username, src.Credentials.Password)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token")
	}
	return body.AccessToken, nil
}

func (c *Cache) parseJWKS(data []byte, sourceID string, now time.Time) ([]Record, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing JWKS: %w", err)
	}

	records := make([]Record, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, _ := set.Key(i)

		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			c.logger.Warn("skipping unreadable JWKS key",
				zap.String("source", sourceID), zap.String("kid", key.KeyID()), zap.Error(err))
			continue
		}

		pub, ok := raw.(crypto.PublicKey)
		if !ok {
			continue
		}
		alg := key.Algorithm().String()
		if alg == "" {
			alg = algorithmFor(raw)
		}
		if alg == "" {
			c.logger.Warn("skipping JWKS key of unsupported type",
				zap.String("source", sourceID), zap.String("kid", key.KeyID()))
			continue
		}

		kid := key.KeyID()
		if kid == "" {
			kid = sourceID
		}
		records = append(records, Record{
			KeyID:     kid,
			Algorithm: alg,
			Key:       pub,
			SourceID:  sourceID,
			FetchedAt: now,
		})
	}
	return records, nil
}

func parsePEMCert(data []byte, sourceID string, now time.Time) ([]Record, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return singleKeyRecord(cert.PublicKey, sourceID, now)
}

func parsePEMPublicKey(data []byte, sourceID string, now time.Time) ([]Record, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return singleKeyRecord(pub, sourceID, now)
}

func parseRawKey(data []byte, sourceID string, now time.Time) ([]Record, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding base64 key material: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return singleKeyRecord(pub, sourceID, now)
}

// singleKeyRecord wraps one key in a record. Non-JWKS sources carry no key id,
// so the source id doubles as the key id.
func singleKeyRecord(pub interface{}, sourceID string, now time.Time) ([]Record, error) {
	alg := algorithmFor(pub)
	if alg == "" {
		return nil, fmt.Errorf("unsupported key type %T", pub)
	}
	return []Record{{
		KeyID:     sourceID,
		Algorithm: alg,
		Key:       pub,
		SourceID:  sourceID,
		FetchedAt: now,
	}}, nil
}

// algorithmFor picks the default JWS algorithm for a key type.
func algorithmFor(pub interface{}) string {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256"
		case elliptic.P384():
			return "ES384"
		case elliptic.P521():
			return "ES512"
		}
		return ""
	default:
		return ""
	}
}

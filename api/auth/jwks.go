package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"
)

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// keySet is the identity provider's published RSA signing keys. Keys are
// refetched after ttl, or early when a token names an unknown kid, but never
// more than once per minInterval. A failed refetch keeps serving the keys
// already known.
type keySet struct {
	url         string
	client      *http.Client
	ttl         time.Duration
	minInterval time.Duration

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
}

func newKeySet(url string) *keySet {
	return &keySet{
		url:         url,
		client:      &http.Client{Timeout: 10 * time.Second},
		ttl:         5 * time.Minute,
		minInterval: 30 * time.Second,
		keys:        map[string]*rsa.PublicKey{},
	}
}

func (s *keySet) key(kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, known := s.keys[kid]
	if known && time.Since(s.fetchedAt) < s.ttl {
		return key, nil
	}
	if time.Since(s.lastAttempt) >= s.minInterval {
		s.lastAttempt = time.Now()
		keys, err := s.fetch()
		if err != nil {
			if known {
				log.Printf("auth: %v, using cached keys", err)
				return key, nil
			}
			return nil, err
		}
		s.keys = keys
		s.fetchedAt = time.Now()
		key, known = keys[kid]
	}
	if !known {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

func (s *keySet) fetch() (map[string]*rsa.PublicKey, error) {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("fetch signing keys: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch signing keys: %s returned %d", s.url, resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode signing keys: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := k.rsaKey()
		if err != nil {
			log.Printf("auth: skipping key %s: %v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func (k jwk) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, fmt.Errorf("bad exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

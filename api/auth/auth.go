package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the validated claims of an operator's identity token.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Validator checks RS256 identity tokens against an identity provider's
// JWKS endpoint.
type Validator struct {
	audience string
	issuer   string
	keys     *keySet
}

// NewValidator returns a validator for tokens signed by the keys published
// at certsURL. An empty issuer skips the issuer check.
func NewValidator(certsURL, audience, issuer string) *Validator {
	return &Validator{
		audience: audience,
		issuer:   issuer,
		keys:     newKeySet(certsURL),
	}
}

func (v *Validator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithAudience(v.audience), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in token header")
		}
		return v.keys.key(kid)
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Authenticator guards the API. A request passes with the static API token
// or, when a Validator is set, a valid identity token, both sent as
// "Authorization: Bearer ...". Public paths always pass; webhooks carry
// their own signatures.
type Authenticator struct {
	Token     string
	Validator *Validator
	Public    []string
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return a.Token != "" || a.Validator != nil
}

func (a *Authenticator) public(path string) bool {
	for _, p := range a.Public {
		if strings.HasSuffix(p, "/*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || a.public(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		token := header[len("Bearer "):]
		if a.Token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		if a.Validator != nil {
			if _, err := a.Validator.Validate(token); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

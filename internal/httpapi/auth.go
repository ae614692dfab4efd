package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

const (
	principalContextKey = "principal"
	bearerPrefix        = "Bearer "
)

var errMissingToken = errors.New("missing bearer token")

// Claims are the bearer token claims; Subject carries the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UserID ledger.UserID
	Email  string
}

type tokenVerifier struct {
	signingKey []byte
	parser     *jwt.Parser
}

func newTokenVerifier(signingKey string, issuer string) *tokenVerifier {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if strings.TrimSpace(issuer) != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	return &tokenVerifier{signingKey: []byte(signingKey), parser: jwt.NewParser(options...)}
}

func (verifier *tokenVerifier) verify(header string) (Principal, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return Principal{}, errMissingToken
	}
	claims := &Claims{}
	_, err := verifier.parser.ParseWithClaims(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)), claims, func(*jwt.Token) (any, error) {
		return verifier.signingKey, nil
	})
	if err != nil {
		return Principal{}, err
	}
	userID, err := ledger.NewUserID(claims.Subject)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: userID, Email: claims.Email}, nil
}

func (verifier *tokenVerifier) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		principal, err := verifier.verify(ctx.GetHeader("Authorization"))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "valid bearer token required"))
			return
		}
		ctx.Set(principalContextKey, principal)
		ctx.Next()
	}
}

func getPrincipal(ctx *gin.Context) (Principal, bool) {
	value, ok := ctx.Get(principalContextKey)
	if !ok {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}

// Copyright 2021-2022 The mqttgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqttgw/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// TokenVerifier resolves bearer tokens into caller identities
type TokenVerifier interface {
	// VerifyToken the identity the token authenticates
	VerifyToken(ctxt context.Context, token string) (common.Identity, error)
}

// staticTokenVerifier implements TokenVerifier from a fixed token table
type staticTokenVerifier struct {
	tokens map[string]common.Identity
}

/*
GetStaticTokenVerifier define a TokenVerifier accepting the tokens listed in the config

	@param cfg common.AuthConfig - the accepted tokens
	@return new verifier
*/
func GetStaticTokenVerifier(cfg common.AuthConfig) (TokenVerifier, error) {
	validate := validator.New()
	tokens := map[string]common.Identity{}
	for _, entry := range cfg.Tokens {
		identity := common.Identity{UserID: entry.UserID, Role: entry.Role}
		if err := validate.Struct(&identity); err != nil {
			return nil, err
		}
		if entry.Token == "" {
			return nil, fmt.Errorf("user '%s' has an empty token", entry.UserID)
		}
		if _, ok := tokens[entry.Token]; ok {
			return nil, fmt.Errorf("token of user '%s' is not unique", entry.UserID)
		}
		tokens[entry.Token] = identity
	}
	return &staticTokenVerifier{tokens: tokens}, nil
}

func (v *staticTokenVerifier) VerifyToken(
	_ context.Context, token string,
) (common.Identity, error) {
	identity, ok := v.tokens[token]
	if !ok {
		return common.Identity{}, fmt.Errorf("unknown token")
	}
	return identity, nil
}

// ========================================================================================

// identityKey context key of the authenticated caller
type identityKey struct{}

// IdentityFromContext the authenticated caller of the request
func IdentityFromContext(ctxt context.Context) (common.Identity, bool) {
	identity, ok := ctxt.Value(identityKey{}).(common.Identity)
	return identity, ok
}

/*
ModifyLogMetadataByIdentity update log metadata with the authenticated caller

	@param ctxt context.Context - a request context
	@param theTags log.Fields - a log metadata to update
*/
func ModifyLogMetadataByIdentity(ctxt context.Context, theTags log.Fields) {
	if identity, ok := IdentityFromContext(ctxt); ok {
		theTags["user_id"] = identity.UserID
	}
}

// Authenticator guards end-points behind bearer token authentication
type Authenticator struct {
	goutils.RestAPIHandler
	verifier TokenVerifier
}

// GetAuthenticator define Authenticator
func GetAuthenticator(verifier TokenVerifier, httpConfig *common.HTTPConfig) Authenticator {
	return Authenticator{
		RestAPIHandler: defineRestAPIHandler(
			log.Fields{"module": "apis", "component": "authenticator"}, httpConfig,
		),
		verifier: verifier,
	}
}

// readToken read the bearer token, from the query string too when allowed
func readToken(r *http.Request, allowQueryToken bool) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if allowQueryToken {
		return r.URL.Query().Get("token")
	}
	return ""
}

/*
Protect require a valid bearer token before calling the handler

	@param next http.HandlerFunc - the protected handler
	@param allowQueryToken bool - whether the token may be given as "?token="
	@return the guarded handler
*/
func (a Authenticator) Protect(next http.HandlerFunc, allowQueryToken bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		localLogTags := a.GetLogTagsForContext(r.Context())
		token := readToken(r, allowQueryToken)
		if token == "" {
			a.reject(w, r, "Missing bearer token", "no token")
			return
		}
		identity, err := a.verifier.VerifyToken(r.Context(), token)
		if err != nil {
			log.WithError(err).WithFields(localLogTags).Warn("Rejected token")
			a.reject(w, r, "Invalid bearer token", err.Error())
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	}
}

func (a Authenticator) reject(w http.ResponseWriter, r *http.Request, msg, detail string) {
	if err := a.WriteRESTResponse(
		w,
		http.StatusUnauthorized,
		a.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, detail),
		map[string]string{"WWW-Authenticate": "Bearer"},
	); err != nil {
		log.WithError(err).WithFields(a.GetLogTagsForContext(r.Context())).Error(
			"Failed to form response",
		)
	}
}

package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	UserIDHeader = "X-User-Id"
	UserIDQuery  = "user_id"
)

var ErrUnauthenticated = errors.New("missing user identity")

// Authenticator resolves the caller's user id.
type Authenticator interface {
	Authenticate(c *fiber.Ctx) (string, error)
}

// HeaderAuthenticator trusts a header set by the gateway in front of the service.
type HeaderAuthenticator struct {
	Header string
}

func (a HeaderAuthenticator) Authenticate(c *fiber.Ctx) (string, error) {
	header := a.Header
	if header == "" {
		header = UserIDHeader
	}
	id := strings.TrimSpace(c.Get(header))
	if id == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}

// QueryAuthenticator reads the user id from a query parameter. Only for
// local setups where clients cannot set headers on the websocket handshake.
type QueryAuthenticator struct {
	Param string
}

func (a QueryAuthenticator) Authenticate(c *fiber.Ctx) (string, error) {
	param := a.Param
	if param == "" {
		param = UserIDQuery
	}
	id := strings.TrimSpace(c.Query(param))
	if id == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}

// ChainAuthenticator returns the first identity any of its members resolves.
type ChainAuthenticator []Authenticator

func (ch ChainAuthenticator) Authenticate(c *fiber.Ctx) (string, error) {
	for _, a := range ch {
		if id, err := a.Authenticate(c); err == nil {
			return id, nil
		}
	}
	return "", ErrUnauthenticated
}

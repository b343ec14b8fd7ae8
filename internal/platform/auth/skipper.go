package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists infrastructure endpoints that bypass authentication.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication. Pass it as JWTConfig.Skipper.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is a public infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}

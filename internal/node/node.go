// Package node assembles one meshbus node: the registry and its executor,
// outbound peer links, the stream listener, the hosted demo services and the
// admin HTTP API.
package node

import "github.com/gin-gonic/gin"

// Node is anything that exposes an admin router under an identity.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

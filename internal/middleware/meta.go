package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
)

const (
	responseMetaKey = "response_meta"

	// HeaderCache reports HIT or MISS for query results.
	HeaderCache = "X-Cache"
	// HeaderQuerySource reports which pool produced a result, also on cache hits.
	HeaderQuerySource = "X-Query-Source"
)

// WithResponseMeta initialises response metadata storage on the request context.
func WithResponseMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(responseMetaKey, map[string]interface{}{})
		c.Set("request_started", time.Now())
		c.Next()
	}
}

// SetResultMeta records how a query result was produced, both as response
// headers and as envelope metadata.
func SetResultMeta(c *gin.Context, result *models.ResultSet) {
	if c == nil || result == nil {
		return
	}
	if result.FromCache {
		c.Header(HeaderCache, "HIT")
	} else {
		c.Header(HeaderCache, "MISS")
	}
	c.Header(HeaderQuerySource, result.Source)

	meta := ensureMeta(c)
	meta["query"] = result.Query
	meta["source"] = result.Source
	meta["from_cache"] = result.FromCache
	meta["stale"] = result.Stale
	if result.Uninitialized {
		meta["uninitialized"] = true
	}
	if result.RefreshedAt != nil {
		meta["refreshed_at"] = result.RefreshedAt
	}
}

// ExtractMeta returns the metadata stored on the context, stamped with the
// elapsed processing time.
func ExtractMeta(c *gin.Context) map[string]interface{} {
	if c == nil {
		return nil
	}
	meta := ensureMeta(c)
	if started, ok := c.Get("request_started"); ok {
		if at, ok := started.(time.Time); ok {
			meta["processing_time_ms"] = time.Since(at).Milliseconds()
		}
	}
	return meta
}

func ensureMeta(c *gin.Context) map[string]interface{} {
	if meta, exists := c.Get(responseMetaKey); exists {
		if typed, ok := meta.(map[string]interface{}); ok {
			return typed
		}
	}
	newMeta := make(map[string]interface{})
	c.Set(responseMetaKey, newMeta)
	return newMeta
}
